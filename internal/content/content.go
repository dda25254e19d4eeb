// Package content resolves a request source — inline text or a
// workspace-relative file — into bytes plus a base path, behind a strict
// path-safety check. Grounded on the teacher's internal/files package
// (workspace-rooted file access), generalized to the path-safety predicate
// spec §4.8 requires.
package content

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rjsadow/httpflow/internal/apierr"
)

// Loader resolves request sources against a fixed workspace root.
type Loader struct {
	root string
}

// NewLoader builds a Loader rooted at root, which it first makes absolute
// and resolves through any symlinks.
func NewLoader(root string) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Loader{root: real}, nil
}

// Root returns the loader's resolved workspace root.
func (l *Loader) Root() string { return l.root }

// Load reads the file at workspace-relative path. It fails
// PathOutsideWorkspace for absolute paths, embedded NUL, traversal outside
// the root, or paths through a symlink that escapes the root.
func (l *Loader) Load(relPath string) ([]byte, error) {
	full, err := l.ResolvePath(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.CodeFileNotFound, "file not found: "+relPath)
		}
		return nil, apierr.Wrap(apierr.CodeInternal, "read file", err)
	}
	return data, nil
}

// Write creates or overwrites the file at workspace-relative path,
// creating any missing parent directories inside the workspace root.
func (l *Loader) Write(relPath string, data []byte) error {
	full, err := l.ResolvePath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return apierr.Wrap(apierr.CodeInternal, "create parent directory", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return apierr.Wrap(apierr.CodeInternal, "write file", err)
	}
	return nil
}

// Delete removes the file at workspace-relative path.
func (l *Loader) Delete(relPath string) error {
	full, err := l.ResolvePath(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return apierr.New(apierr.CodeFileNotFound, "file not found: "+relPath)
		}
		return apierr.Wrap(apierr.CodeInternal, "delete file", err)
	}
	return nil
}

// List walks the workspace root and returns every regular file's path
// relative to it, in lexical order. dirRelPath scopes the walk to a
// workspace-relative subdirectory; empty means the whole workspace.
func (l *Loader) List(dirRelPath string) ([]string, error) {
	start := l.root
	if dirRelPath != "" {
		resolved, err := l.ResolvePath(dirRelPath)
		if err != nil {
			return nil, err
		}
		start = resolved
	}

	var out []string
	err := filepath.Walk(start, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(l.root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.CodeFileNotFound, "directory not found: "+dirRelPath)
		}
		return nil, apierr.Wrap(apierr.CodeInternal, "list workspace files", err)
	}
	return out, nil
}

// ResolvePath validates relPath against the workspace root and returns its
// absolute, safe path. It never touches the filesystem for a path rejected
// by the cheap checks (absolute, NUL, traversal) before calling IsPathSafe.
func (l *Loader) ResolvePath(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", apierr.New(apierr.CodePathOutsideWorkspace, "absolute paths are not allowed")
	}
	if strings.ContainsRune(relPath, 0) {
		return "", apierr.New(apierr.CodePathOutsideWorkspace, "path contains a NUL byte")
	}

	candidate := filepath.Join(l.root, relPath)
	if !strings.HasPrefix(filepath.Clean(candidate)+string(filepath.Separator), l.root+string(filepath.Separator)) &&
		filepath.Clean(candidate) != l.root {
		return "", apierr.New(apierr.CodePathOutsideWorkspace, "path escapes workspace root")
	}

	if !IsPathSafe(l.root, relPath) {
		return "", apierr.New(apierr.CodePathOutsideWorkspace, "path escapes workspace root")
	}

	return candidate, nil
}

// IsPathSafe holds iff, after normalization, the real path of the deepest
// existing ancestor of root/candidate is the real path of root or lies
// beneath it. This defeats symlink escapes that a pure lexical join
// wouldn't catch: a candidate can lexically sit under root yet, through an
// intermediate symlink, point somewhere else entirely.
func IsPathSafe(root, candidate string) bool {
	if filepath.IsAbs(candidate) || strings.ContainsRune(candidate, 0) {
		return false
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}

	joined := filepath.Clean(filepath.Join(root, candidate))

	ancestor := joined
	for {
		if _, err := os.Lstat(ancestor); err == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			// Reached filesystem root without finding an existing ancestor;
			// fall back to the lexical root itself.
			ancestor = root
			break
		}
		ancestor = parent
	}

	realAncestor, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(realRoot, realAncestor)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return true
}
