// Package fileio provides builtin tools that let the model keep notes in a
// sandboxed directory: "read_file", "write_file" and "list_files".
//
// All paths are relative to the sandbox root and resolved through [os.Root],
// so ".." components and symlinks cannot escape it.
package fileio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/lucaos/voicelive/internal/mcp/tools"
	"github.com/lucaos/voicelive/pkg/types"
)

// MaxReadBytes caps the size of files returned by read_file.
const MaxReadBytes = 1 << 20

// maxListEntries caps the number of paths returned by list_files.
const maxListEntries = 200

// Sandbox is an opened sandbox directory.
type Sandbox struct {
	root *os.Root
}

// Open opens dir as the sandbox root. dir must exist.
func Open(dir string) (*Sandbox, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("fileio: open sandbox: %w", err)
	}
	return &Sandbox{root: root}, nil
}

// Close releases the sandbox root.
func (s *Sandbox) Close() error { return s.root.Close() }

// Dir returns the sandbox directory.
func (s *Sandbox) Dir() string { return s.root.Name() }

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

func decode(tool, args string, v any) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("fileio: %s: bad arguments: %w", tool, err)
	}
	return nil
}

func clean(tool, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("fileio: %s: path must not be empty", tool)
	}
	return path.Clean(strings.TrimPrefix(p, "/")), nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Sandbox) read(ctx context.Context, args string) (string, error) {
	var a pathArgs
	if err := decode("read_file", args, &a); err != nil {
		return "", err
	}
	p, err := clean("read_file", a.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("fileio: read_file: %w", err)
	}

	info, err := s.root.Stat(p)
	if err != nil {
		return "", fmt.Errorf("fileio: read_file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("fileio: read_file: %q is a directory", a.Path)
	}
	if info.Size() > MaxReadBytes {
		return "", fmt.Errorf("fileio: read_file: %q is %d bytes, limit is %d", a.Path, info.Size(), MaxReadBytes)
	}
	data, err := s.root.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("fileio: read_file: %w", err)
	}
	return encode(map[string]any{"path": p, "content": string(data)})
}

func (s *Sandbox) write(ctx context.Context, args string) (string, error) {
	var a writeArgs
	if err := decode("write_file", args, &a); err != nil {
		return "", err
	}
	p, err := clean("write_file", a.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("fileio: write_file: %w", err)
	}

	if dir := path.Dir(p); dir != "." {
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("fileio: write_file: %w", err)
		}
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if a.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := s.root.OpenFile(p, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("fileio: write_file: %w", err)
	}
	n, werr := f.WriteString(a.Content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("fileio: write_file: %w", werr)
	}
	return encode(map[string]any{"path": p, "bytes_written": n})
}

func (s *Sandbox) list(ctx context.Context, args string) (string, error) {
	var a pathArgs
	if err := decode("list_files", args, &a); err != nil {
		return "", err
	}
	dir := "."
	if strings.TrimSpace(a.Path) != "" {
		dir = path.Clean(strings.TrimPrefix(a.Path, "/"))
	}

	var files []string
	truncated := false
	errStop := errors.New("stop")
	err := fs.WalkDir(s.root.FS(), dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(files) == maxListEntries {
			truncated = true
			return errStop
		}
		files = append(files, p)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return "", fmt.Errorf("fileio: list_files: %w", err)
	}
	if files == nil {
		files = []string{}
	}
	return encode(map[string]any{"files": files, "truncated": truncated})
}

func pathParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Tools returns the tool set bound to s.
func (s *Sandbox) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "read_file",
				Description: "Read a text file from the notes folder. Files over 1 MiB are refused.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathParam("Path relative to the notes folder, e.g. todo.md.")},
					"required":   []string{"path"},
				},
				Idempotent: true,
			},
			Handler:     s.read,
			DeclaredP50: 10,
			DeclaredMax: 100,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "write_file",
				Description: "Write or append text to a file in the notes folder. Missing folders are created.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    pathParam("Path relative to the notes folder."),
						"content": map[string]any{"type": "string", "description": "Text to write."},
						"append":  map[string]any{"type": "boolean", "description": "Append instead of replacing the file."},
					},
					"required": []string{"path", "content"},
				},
			},
			Handler:     s.write,
			DeclaredP50: 20,
			DeclaredMax: 100,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "list_files",
				Description: "List files in the notes folder, optionally below a sub-folder.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathParam("Optional sub-folder to list.")},
				},
				Idempotent: true,
			},
			Handler:     s.list,
			DeclaredP50: 10,
			DeclaredMax: 200,
		},
	}
}
