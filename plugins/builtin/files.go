package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

const (
	maxListed   = 100
	maxFound    = 50
	maxReadSize = 64 * 1024
)

// Files lists, searches and reads files under a fixed root. Paths never
// resolve outside the root, including through symlinks.
type Files struct {
	root string
}

// NewFiles creates a files plugin confined to root.
func NewFiles(root string) *Files { return &Files{root: root} }

// Descriptor implements Plugin.
func (*Files) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "files",
		Version:     Version,
		Domains:     []string{"files"},
		Permissions: []plugin.Permission{plugin.PermFilesystem},
		Limits:      plugin.Limits{MaxWallTime: 5 * time.Second},
	}
}

// Invoke implements plugin.Handler.
func (f *Files) Invoke(ctx context.Context, call *plugin.Call) (*types.ExecutionResult, error) {
	root, err := os.OpenRoot(f.root)
	if err != nil {
		return nil, fmt.Errorf("open files root: %w", err)
	}
	defer root.Close()
	fsys := root.FS()

	rel, err := f.relative(call.Intent.EntityValue("path"))
	if err != nil {
		return nil, err
	}

	switch call.Intent.Action {
	case "list":
		return f.list(fsys, rel)
	case "search":
		return f.search(ctx, fsys, rel, call.Intent.EntityValue("query"))
	case "read":
		return f.read(fsys, rel)
	}
	return nil, fmt.Errorf("files cannot %s", call.Intent.Action)
}

// relative maps a user path onto the root. Absolute paths inside the root are
// made relative; any other leading slash or ~ is read as the root itself.
func (f *Files) relative(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return ".", nil
	}
	if abs, err := filepath.Abs(f.root); err == nil && filepath.IsAbs(p) {
		if r, err := filepath.Rel(abs, p); err == nil && !strings.HasPrefix(r, "..") {
			p = r
		}
	}
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "~")
	p = strings.TrimLeft(p, "/")
	p = path.Clean("./" + p)
	if !fs.ValidPath(p) {
		return "", types.Errorf(types.KindValidation, "files", "%s is outside the files area", p)
	}
	return p, nil
}

func (f *Files) list(fsys fs.FS, rel string) (*types.ExecutionResult, error) {
	entries, err := fs.ReadDir(fsys, rel)
	if err != nil {
		return nil, describeFSError(rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	truncated := len(names) > maxListed
	if truncated {
		names = names[:maxListed]
	}

	msg := fmt.Sprintf("%s is empty.", rel)
	if len(names) > 0 {
		msg = fmt.Sprintf("%s contains %d entries: %s", rel, len(entries), strings.Join(names, ", "))
	}
	return types.Succeeded(map[string]any{
		"path":      rel,
		"entries":   names,
		"truncated": truncated,
	}, msg), nil
}

func (f *Files) search(ctx context.Context, fsys fs.FS, rel, query string) (*types.ExecutionResult, error) {
	if query == "" {
		return nil, fmt.Errorf("no file name to search for")
	}
	glob := strings.ContainsAny(query, "*?[")
	lower := strings.ToLower(query)

	var found []string
	err := fs.WalkDir(fsys, rel, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == rel {
				return err
			}
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		var hit bool
		if glob {
			hit, _ = path.Match(query, name)
		} else {
			hit = strings.Contains(strings.ToLower(name), lower)
		}
		if hit && p != "." {
			found = append(found, p)
			if len(found) >= maxFound {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, describeFSError(rel, err)
	}
	sort.Strings(found)

	msg := fmt.Sprintf("No files matching %q.", query)
	if len(found) > 0 {
		msg = fmt.Sprintf("Found %d matching %q: %s", len(found), query, strings.Join(found, ", "))
	}
	return types.Succeeded(map[string]any{
		"query":   query,
		"matches": found,
	}, msg), nil
}

func (f *Files) read(fsys fs.FS, rel string) (*types.ExecutionResult, error) {
	if rel == "." {
		return nil, fmt.Errorf("no file to read")
	}
	info, err := fs.Stat(fsys, rel)
	if err != nil {
		return nil, describeFSError(rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	file, err := fsys.Open(rel)
	if err != nil {
		return nil, describeFSError(rel, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxReadSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	truncated := info.Size() > maxReadSize
	return types.Succeeded(map[string]any{
		"path":      rel,
		"size":      info.Size(),
		"content":   string(data),
		"truncated": truncated,
	}, string(data)), nil
}

func describeFSError(rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s does not exist", rel)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s is not readable", rel)
	}
	return fmt.Errorf("%s: %w", rel, err)
}
