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
	"path"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/webssh/gateway/lib/utils"
)

// dangerPaths are roots that the shell fast path refuses to touch no
// matter what the client asks for.
var dangerPaths = map[string]struct{}{
	"/":      {},
	"/root":  {},
	"/home":  {},
	"/etc":   {},
	"/usr":   {},
	"/var":   {},
	"/bin":   {},
	"/sbin":  {},
	"/lib":   {},
	"/lib64": {},
	"/opt":   {},
	"/srv":   {},
	"/proc":  {},
	"/sys":   {},
	"/dev":   {},
	"/boot":  {},
	"/run":   {},
	"/mnt":   {},
	"/media": {},
	"/snap":  {},
}

// FastDeletePath vets a path for the rm -rf shell fast path and returns
// its canonical form. The gate requires an absolute canonical path of
// depth two or more, outside the danger set, free of traversal and
// control characters. A refused path must be deleted through the SFTP
// walk instead.
func FastDeletePath(p string) (string, error) {
	if strings.ContainsAny(p, "\n\r\t") {
		return "", trace.BadParameter("path contains control characters")
	}
	if strings.Contains(p, "..") {
		return "", trace.BadParameter("path contains a parent traversal")
	}
	if !strings.HasPrefix(p, "/") {
		return "", trace.BadParameter("path must be absolute")
	}
	clean := path.Clean(p)
	if strings.Count(clean, "/") < 2 {
		return "", trace.BadParameter("path %v is too shallow", clean)
	}
	if _, ok := dangerPaths[clean]; ok {
		return "", trace.BadParameter("path %v is protected", clean)
	}
	return clean, nil
}

// FastDelete deletes a tree, preferring a single rm -rf over SSH when the
// safety gate admits the path. Gate refusals and nonzero shell exits fall
// through to the SFTP recursive walk.
func (e *Engine) FastDelete(ctx context.Context, opID, target string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)

	if clean, gateErr := FastDeletePath(target); gateErr == nil && e.cfg.RunCommand != nil {
		code, err := e.cfg.RunCommand(ctx, "/bin/rm -rf -- "+utils.ShellQuote(clean))
		if err == nil && code == 0 {
			e.log.WithField("path", clean).Info("Fast delete via shell.")
			return e.emitTerminal(opID, nil)
		}
		e.log.WithField("path", clean).Debug("Shell delete failed, falling back to sftp walk.")
	} else if gateErr != nil {
		e.log.WithField("path", target).Debug("Fast delete gate refused path, using sftp walk.")
	}

	return e.emitTerminal(opID, e.deleteTree(ctx, op, target))
}

// Delete removes a file or directory tree through the SFTP walk.
func (e *Engine) Delete(ctx context.Context, opID, target string) error {
	op, err := e.begin(opID)
	if err != nil {
		return e.emitTerminal(opID, err)
	}
	defer e.end(op)
	return e.emitTerminal(opID, e.deleteTree(ctx, op, target))
}

// deleteTree removes target recursively: files unlink, directories recurse
// over their children in parallel and then rmdir. A vanished node is
// success, concurrent deletion is tolerated. The first failing child is
// reported with its path.
func (e *Engine) deleteTree(ctx context.Context, op *operation, target string) error {
	if err := op.checkpoint(ctx); err != nil {
		return err
	}

	info, err := e.cfg.FS.Stat(target)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return trace.Wrap(err, "deleting %v", target)
	}

	if !info.IsDir() {
		if err := e.cfg.FS.Remove(target); err != nil && !isNotExist(err) {
			return trace.Wrap(err, "deleting %v", target)
		}
		return nil
	}

	children, err := e.cfg.FS.ReadDir(target)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return trace.Wrap(err, "listing %v", target)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDeleteParallelism)
	for _, child := range children {
		name := child.Name()
		if name == "." || name == ".." {
			continue
		}
		childPath := path.Join(target, name)
		g.Go(func() error {
			return e.deleteTree(gctx, op, childPath)
		})
	}
	if err := g.Wait(); err != nil {
		return trace.Wrap(err)
	}

	if err := e.cfg.FS.RemoveDirectory(target); err != nil && !isNotExist(err) {
		return trace.Wrap(err, "deleting %v", target)
	}
	return nil
}
