/*
Copyright 2024 WebSSH Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sftpops

import (
	"archive/tar"
	"context"
	"io"
	"path"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"

	"github.com/webssh/gateway/lib/protocol"
)

// Archive phases reported on folder download progress envelopes.
const (
	PhasePreparing    = "preparing"
	PhaseTransferring = "transferring"
	PhaseCompleted    = "completed"
)

// DownloadFolder streams a tar.gz of the directory tree at root. Compressed
// chunks go out as sftp_file envelopes as they are produced; nothing is
// assembled server-side. Unreadable files are skipped and reported on the
// terminal envelope.
func (e *Engine) DownloadFolder(ctx context.Context, opID, root string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)

	info, err := e.cfg.FS.Stat(root)
	if err != nil {
		return e.emitTerminal(opID, trace.Wrap(err))
	}
	if !info.IsDir() {
		return e.emitTerminal(opID, trace.BadParameter("%v is not a directory", root))
	}

	estimated, err := e.estimateTree(ctx, op, root)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	archiveName := path.Base(root) + ".tar.gz"
	if err := e.cfg.Emitter.Progress(protocol.SFTPEnvelope{
		OperationID:   opID,
		Phase:         PhasePreparing,
		EstimatedSize: estimated,
	}); err != nil {
		e.log.WithError(err).Debug("Dropping preparing envelope.")
	}

	sink := &archiveSink{
		engine:        e,
		opID:          opID,
		filename:      archiveName,
		estimatedSize: estimated,
		chunkSize:     e.cfg.ChunkSize,
	}
	gz := gzip.NewWriter(sink)
	tw := tar.NewWriter(gz)

	var skipped []string
	walkErr := e.archiveTree(ctx, op, tw, root, path.Base(root), &skipped)

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = trace.Wrap(err)
	}
	if err := gz.Close(); err != nil && walkErr == nil {
		walkErr = trace.Wrap(err)
	}
	if walkErr != nil {
		return e.emitTerminal(opID, walkErr)
	}
	if err := sink.flush(); err != nil {
		return e.emitTerminal(opID, trace.Wrap(err))
	}

	if err := e.cfg.Emitter.Emit(protocol.SFTPEnvelope{
		OperationID: opID,
		Type:        protocol.TypeSFTPSuccess,
		Phase:       PhaseCompleted,
		Filename:    archiveName,
		Size:        sink.written,
		Skipped:     skipped,
	}, nil); err != nil {
		e.log.WithError(err).Debug("Dropping completion envelope.")
	}
	e.log.WithField("path", root).Info("Folder download complete.")
	return nil
}

// estimateTree sums regular file sizes under root for estimatedSize
// reporting. Stat races are tolerated, the estimate is advisory.
func (e *Engine) estimateTree(ctx context.Context, op *operation, root string) (int64, error) {
	if err := op.checkpoint(ctx); err != nil {
		return 0, err
	}
	children, err := e.cfg.FS.ReadDir(root)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, trace.Wrap(err, "listing %v", root)
	}
	var total int64
	for _, child := range children {
		name := child.Name()
		if name == "." || name == ".." {
			continue
		}
		if child.IsDir() {
			sub, err := e.estimateTree(ctx, op, path.Join(root, name))
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		total += child.Size()
	}
	return total, nil
}

// archiveTree writes the tree under root into the tar stream. File names
// are rooted at the archive prefix. Files that cannot be opened or read
// are recorded in skipped and do not fail the archive.
func (e *Engine) archiveTree(ctx context.Context, op *operation, tw *tar.Writer, root, prefix string, skipped *[]string) error {
	children, err := e.cfg.FS.ReadDir(root)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return trace.Wrap(err, "listing %v", root)
	}
	for _, child := range children {
		if err := op.checkpoint(ctx); err != nil {
			return err
		}
		name := child.Name()
		if name == "." || name == ".." {
			continue
		}
		childPath := path.Join(root, name)
		archivePath := path.Join(prefix, name)

		if child.IsDir() {
			if err := tw.WriteHeader(&tar.Header{
				Name:     archivePath + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(child.Mode().Perm()),
				ModTime:  child.ModTime(),
			}); err != nil {
				return trace.Wrap(err)
			}
			if err := e.archiveTree(ctx, op, tw, childPath, archivePath, skipped); err != nil {
				return err
			}
			continue
		}
		if !child.Mode().IsRegular() {
			*skipped = append(*skipped, childPath)
			continue
		}

		file, err := e.cfg.FS.Open(childPath)
		if err != nil {
			*skipped = append(*skipped, childPath)
			continue
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:    archivePath,
			Size:    child.Size(),
			Mode:    int64(child.Mode().Perm()),
			ModTime: child.ModTime(),
		}); err != nil {
			file.Close()
			return trace.Wrap(err)
		}
		if err := e.copyFile(ctx, op, tw, file, child.Size()); err != nil {
			file.Close()
			return err
		}
		file.Close()
	}
	return nil
}

// copyFile streams exactly size bytes into the tar entry, honoring
// cancellation at chunk boundaries.
func (e *Engine) copyFile(ctx context.Context, op *operation, dst io.Writer, src io.Reader, size int64) error {
	buf := make([]byte, e.cfg.ChunkSize)
	var copied int64
	for copied < size {
		if err := op.checkpoint(ctx); err != nil {
			return err
		}
		want := int64(len(buf))
		if size-copied < want {
			want = size - copied
		}
		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return trace.Wrap(werr)
			}
			copied += int64(n)
		}
		if err != nil {
			return trace.Wrap(err, "reading archive entry")
		}
	}
	return nil
}

// archiveSink collects compressed output and ships it in chunk-sized
// sftp_file envelopes with transfer progress.
type archiveSink struct {
	engine        *Engine
	opID          string
	filename      string
	estimatedSize int64
	chunkSize     int

	pending []byte
	written int64
}

func (s *archiveSink) Write(p []byte) (int, error) {
	s.pending = append(s.pending, p...)
	for len(s.pending) >= s.chunkSize {
		if err := s.ship(s.pending[:s.chunkSize]); err != nil {
			return 0, err
		}
		s.pending = s.pending[s.chunkSize:]
	}
	return len(p), nil
}

// flush ships any remaining partial chunk.
func (s *archiveSink) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.ship(s.pending)
	s.pending = nil
	return err
}

func (s *archiveSink) ship(chunk []byte) error {
	s.written += int64(len(chunk))
	if err := s.engine.cfg.Emitter.Emit(protocol.SFTPEnvelope{
		OperationID: s.opID,
		Type:        protocol.TypeSFTPFile,
		Filename:    s.filename,
		Mode:        "binary",
		Phase:       PhaseTransferring,
	}, chunk); err != nil {
		return trace.Wrap(err)
	}
	if err := s.engine.cfg.Emitter.Progress(protocol.SFTPEnvelope{
		OperationID:      s.opID,
		Phase:            PhaseTransferring,
		BytesTransferred: s.written,
		EstimatedSize:    s.estimatedSize,
	}); err != nil {
		s.engine.log.WithError(err).Debug("Dropping archive progress envelope.")
	}
	return nil
}
