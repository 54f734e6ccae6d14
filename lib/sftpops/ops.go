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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/webssh/gateway/lib/protocol"
)

// Entry is one directory listing or stat result.
type Entry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime int64  `json:"modTime"`
	IsDir   bool   `json:"isDir"`
}

func entryFromInfo(info os.FileInfo) Entry {
	return Entry{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UnixMilli(),
		IsDir:   info.IsDir(),
	}
}

// emitTerminal closes out an operation on the wire: the distinguished
// cancel message for cancelled ops, an error envelope otherwise.
func (e *Engine) emitTerminal(opID string, err error) error {
	if err == nil {
		if eerr := e.cfg.Emitter.Success(opID, nil); eerr != nil {
			e.log.WithError(eerr).Debug("Dropping success envelope.")
		}
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		err = ErrCancelled
	}
	if eerr := e.cfg.Emitter.Error(opID, err); eerr != nil {
		e.log.WithError(eerr).Debug("Dropping error envelope.")
	}
	return trace.Wrap(err)
}

// List emits the filtered directory listing as a JSON payload buffer.
func (e *Engine) List(ctx context.Context, opID, dirPath string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)

	infos, err := e.cfg.FS.ReadDir(dirPath)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		entries = append(entries, entryFromInfo(info))
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	if err := e.cfg.Emitter.Success(opID, payload); err != nil {
		e.log.WithError(err).Debug("Dropping listing envelope.")
	}
	return nil
}

// Stat emits a single entry as a JSON payload buffer.
func (e *Engine) Stat(ctx context.Context, opID, filePath string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)

	info, err := e.cfg.FS.Stat(filePath)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	payload, err := json.Marshal(entryFromInfo(info))
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	if err := e.cfg.Emitter.Success(opID, payload); err != nil {
		e.log.WithError(err).Debug("Dropping stat envelope.")
	}
	return nil
}

// Mkdir creates a single directory level. An existing path is surfaced
// distinctly so clients can report it as such.
func (e *Engine) Mkdir(ctx context.Context, opID, dirPath string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)

	if _, err := e.cfg.FS.Stat(dirPath); err == nil {
		return e.emitTerminal(opID, trace.AlreadyExists("%v already exists", dirPath))
	}
	return e.emitTerminal(opID, trace.Wrap(e.cfg.FS.Mkdir(dirPath)))
}

// Rename moves a file atomically.
func (e *Engine) Rename(ctx context.Context, opID, oldPath, newPath string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)
	return e.emitTerminal(opID, trace.Wrap(e.cfg.FS.Rename(oldPath, newPath)))
}

// Chmod sets permissions from the numeric mode.
func (e *Engine) Chmod(ctx context.Context, opID, filePath string, mode int) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)
	return e.emitTerminal(opID, trace.Wrap(e.cfg.FS.Chmod(filePath, os.FileMode(mode))))
}

// Upload decodes the base64 payload and streams it to the remote file in
// fixed-size chunks, emitting integer progress per chunk. Cancellation is
// honored at chunk boundaries; a partial file is left for the client to
// clean up or resume.
func (e *Engine) Upload(ctx context.Context, req *protocol.SFTPUploadRequest) error {
	op, err := e.begin(req.OperationID)
	if err != nil {
		return e.emitTerminal(req.OperationID, err)
	}
	defer e.end(op)

	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return e.emitTerminal(req.OperationID, trace.BadParameter("malformed upload content: %v", err))
	}
	total := int64(len(content))
	if total > e.cfg.MaxUploadSize {
		return e.emitTerminal(req.OperationID, trace.LimitExceeded("upload of %v bytes exceeds the %v byte limit", total, e.cfg.MaxUploadSize))
	}

	target := path.Join(req.Path, req.Filename)
	file, err := e.cfg.FS.Create(target)
	if err != nil {
		return e.emitTerminal(req.OperationID, trace.Wrap(err))
	}

	for off := int64(0); off < total; {
		if err := op.checkpoint(ctx); err != nil {
			file.Close()
			return e.emitTerminal(req.OperationID, err)
		}
		end := off + int64(e.cfg.ChunkSize)
		if end > total {
			end = total
		}
		n, err := file.Write(content[off:end])
		if err != nil {
			file.Close()
			return e.emitTerminal(req.OperationID, trace.Wrap(err))
		}
		off += int64(n)
		op.bytes.Store(off)
		if err := e.cfg.Emitter.Progress(protocol.SFTPEnvelope{
			OperationID:      req.OperationID,
			Progress:         int(off * 100 / total),
			BytesTransferred: off,
			TotalBytes:       total,
		}); err != nil {
			e.log.WithError(err).Debug("Dropping upload progress envelope.")
		}
	}
	if err := file.Close(); err != nil {
		return e.emitTerminal(req.OperationID, trace.Wrap(err))
	}

	e.log.WithFields(logrus.Fields{
		"path":  target,
		"bytes": total,
	}).Info("Upload complete.")
	return e.emitTerminal(req.OperationID, nil)
}

// Download fetches a remote file. Directories are rejected; files above
// the confirm threshold require an explicit confirmed re-request. The
// payload is delivered on the terminal sftp_file envelope, raw in binary
// mode or as a base64 data-URI otherwise.
func (e *Engine) Download(ctx context.Context, req *protocol.SFTPDownloadRequest) error {
	op, err := e.begin(req.OperationID)
	if err != nil {
		return e.emitTerminal(req.OperationID, err)
	}
	defer e.end(op)

	info, err := e.cfg.FS.Stat(req.Path)
	if err != nil {
		return e.emitTerminal(req.OperationID, trace.Wrap(err))
	}
	if info.IsDir() {
		return e.emitTerminal(req.OperationID, trace.BadParameter("%v is a directory, use download_folder", req.Path))
	}
	if info.Size() > e.cfg.ConfirmSize && !req.Confirmed {
		if err := e.cfg.Emitter.Emit(protocol.SFTPEnvelope{
			OperationID: req.OperationID,
			Type:        protocol.TypeSFTPConfirm,
			Size:        info.Size(),
			Filename:    path.Base(req.Path),
		}, nil); err != nil {
			e.log.WithError(err).Debug("Dropping confirm envelope.")
		}
		return nil
	}

	file, err := e.cfg.FS.Open(req.Path)
	if err != nil {
		return e.emitTerminal(req.OperationID, trace.Wrap(err))
	}
	defer file.Close()

	total := info.Size()
	content := make([]byte, 0, total)
	buf := make([]byte, e.cfg.ChunkSize)
	for {
		if err := op.checkpoint(ctx); err != nil {
			return e.emitTerminal(req.OperationID, err)
		}
		n, err := file.Read(buf)
		if n > 0 {
			content = append(content, buf[:n]...)
			op.bytes.Store(int64(len(content)))
			if err := e.cfg.Emitter.Progress(protocol.SFTPEnvelope{
				OperationID:      req.OperationID,
				Progress:         downloadPercent(int64(len(content)), total),
				BytesTransferred: int64(len(content)),
				TotalBytes:       total,
			}); err != nil {
				e.log.WithError(err).Debug("Dropping download progress envelope.")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return e.emitTerminal(req.OperationID, trace.Wrap(err))
		}
	}

	payload := content
	if req.Mode == "base64" {
		payload = []byte("data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(content))
	}
	if err := e.cfg.Emitter.Emit(protocol.SFTPEnvelope{
		OperationID: req.OperationID,
		Type:        protocol.TypeSFTPFile,
		Filename:    path.Base(req.Path),
		Mode:        req.Mode,
		Size:        int64(len(content)),
	}, payload); err != nil {
		e.log.WithError(err).Debug("Dropping file envelope.")
	}
	return e.emitTerminal(req.OperationID, nil)
}

func downloadPercent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	pct := int(done * 100 / total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
