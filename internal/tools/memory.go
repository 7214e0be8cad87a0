package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// memoryPrefix is the virtual mount point models tend to address the
// memory tree by. It is stripped before resolution.
const memoryPrefix = "/memories"

// Memory is a file tree rooted at a single directory. Every filesystem
// call goes through an [os.Root], so neither ".." nor symlinks can
// reach outside it.
type Memory struct {
	dir    string
	root   *os.Root
	logger *slog.Logger
}

// NewMemory creates dir if needed and opens it as the memory root.
func NewMemory(dir string, logger *slog.Logger) (*Memory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open memory root: %w", err)
	}
	return &Memory{dir: dir, root: root, logger: logger}, nil
}

// Dir returns the memory root directory.
func (m *Memory) Dir() string { return m.dir }

// Close releases the root handle.
func (m *Memory) Close() error {
	return m.root.Close()
}

// resolve turns a model-supplied path into a cleaned path relative to
// the root. It never touches the filesystem.
func (m *Memory) resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}

	p = filepath.ToSlash(p)
	switch {
	case p == memoryPrefix || p == memoryPrefix+"/":
		p = "."
	case strings.HasPrefix(p, memoryPrefix+"/"):
		p = strings.TrimPrefix(p, memoryPrefix+"/")
	case strings.HasPrefix(p, "/"):
		return "", fmt.Errorf("%s: %w", p, ErrPathEscapes)
	}

	cleaned := filepath.Clean(filepath.FromSlash(p))
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%s: %w", p, ErrPathEscapes)
	}
	return cleaned, nil
}

// exists reports whether rel names an existing entry. Errors other than
// "does not exist" (including a symlink pointing out of the root) are
// returned.
func (m *Memory) exists(rel string) (bool, error) {
	_, err := m.root.Stat(rel)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func notFound(p string) error {
	return fmt.Errorf("file not found: %s", p)
}

// View returns a file's content, or the 1-based inclusive line range
// [start, end] of it. end == -1 means through the last line. Viewing a
// directory lists its entries.
func (m *Memory) View(p string, viewRange []int) (string, error) {
	rel, err := m.resolve(p)
	if err != nil {
		return "", err
	}

	info, err := m.root.Stat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return "", notFound(p)
	}
	if err != nil {
		return "", fmt.Errorf("view %s: %w", p, err)
	}
	if info.IsDir() {
		return m.list(rel, p)
	}

	data, err := m.root.ReadFile(rel)
	if err != nil {
		return "", fmt.Errorf("view %s: %w", p, err)
	}
	if len(viewRange) == 0 {
		return string(data), nil
	}

	lines := strings.Split(string(data), "\n")
	start, end, err := lineRange(viewRange, len(lines))
	if err != nil {
		return "", err
	}
	if start > end {
		return "", nil
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// lineRange resolves a 1-based inclusive range against n lines. A start
// past the last line yields an empty range (start > end).
func lineRange(r []int, n int) (int, int, error) {
	if len(r) != 2 {
		return 0, 0, fmt.Errorf("view_range must be [start, end], got %v", r)
	}
	start, end := r[0], r[1]
	if start > n {
		return n + 1, n, nil
	}
	if end == -1 {
		end = n
	}
	if start < 1 || end < start {
		return 0, 0, fmt.Errorf("invalid view_range %v for %d lines", r, n)
	}
	if end > n {
		end = n
	}
	return start, end, nil
}

func (m *Memory) list(rel, display string) (string, error) {
	dir, err := m.root.Open(rel)
	if err != nil {
		return "", fmt.Errorf("view %s: %w", display, err)
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return "", fmt.Errorf("view %s: %w", display, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return fmt.Sprintf("Directory %s is empty", display), nil
	}
	return fmt.Sprintf("Directory %s:\n%s", display, strings.Join(names, "\n")), nil
}

// Create writes text to p, creating parent directories and replacing
// any existing file.
func (m *Memory) Create(p, text string) (string, error) {
	rel, err := m.resolve(p)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", errors.New("cannot create the memory root")
	}
	if err := m.mkdirParent(rel); err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	if err := m.root.WriteFile(rel, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	return fmt.Sprintf("Created %s", p), nil
}

// StrReplace replaces the first occurrence of oldStr with newStr. The
// file is untouched when oldStr is absent.
func (m *Memory) StrReplace(p, oldStr, newStr string) (string, error) {
	rel, content, err := m.readExisting(p)
	if err != nil {
		return "", err
	}
	if !strings.Contains(content, oldStr) {
		return "", fmt.Errorf("old text not found in %s", p)
	}
	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := m.root.WriteFile(rel, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("str_replace %s: %w", p, err)
	}
	return fmt.Sprintf("Replaced in %s", p), nil
}

// Insert adds text as a new line at 0-based index line. A line past the
// end appends.
func (m *Memory) Insert(p string, line int, text string) (string, error) {
	rel, content, err := m.readExisting(p)
	if err != nil {
		return "", err
	}
	lines := strings.Split(content, "\n")
	if line < 0 {
		return "", fmt.Errorf("insert_line %d is negative", line)
	}
	line = min(line, len(lines))
	lines = append(lines[:line], append([]string{text}, lines[line:]...)...)
	if err := m.root.WriteFile(rel, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return "", fmt.Errorf("insert %s: %w", p, err)
	}
	return fmt.Sprintf("Inserted at line %d in %s", line, p), nil
}

// Delete removes the file at p.
func (m *Memory) Delete(p string) (string, error) {
	rel, err := m.resolve(p)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", errors.New("cannot delete the memory root")
	}
	ok, err := m.exists(rel)
	if err != nil {
		return "", fmt.Errorf("delete %s: %w", p, err)
	}
	if !ok {
		return "", notFound(p)
	}
	if err := m.root.Remove(rel); err != nil {
		return "", fmt.Errorf("delete %s: %w", p, err)
	}
	return fmt.Sprintf("Deleted %s", p), nil
}

// Rename moves oldPath to newPath, creating the destination's parent
// directories.
func (m *Memory) Rename(oldPath, newPath string) (string, error) {
	from, err := m.resolve(oldPath)
	if err != nil {
		return "", err
	}
	to, err := m.resolve(newPath)
	if err != nil {
		return "", err
	}
	if from == "." || to == "." {
		return "", errors.New("cannot rename the memory root")
	}

	ok, err := m.exists(from)
	if err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if !ok {
		return "", notFound(oldPath)
	}
	if err := m.mkdirParent(to); err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if err := m.root.Rename(from, to); err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return fmt.Sprintf("Renamed %s to %s", oldPath, newPath), nil
}

func (m *Memory) readExisting(p string) (string, string, error) {
	rel, err := m.resolve(p)
	if err != nil {
		return "", "", err
	}
	data, err := m.root.ReadFile(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", notFound(p)
	}
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", p, err)
	}
	return rel, string(data), nil
}

func (m *Memory) mkdirParent(rel string) error {
	parent := filepath.Dir(rel)
	if parent == "." {
		return nil
	}
	return m.root.MkdirAll(parent, 0o755)
}

// Tool returns the memory tool definition.
func (m *Memory) Tool() *Tool {
	return &Tool{
		Name: "memory",
		Description: "Persistent memory directory for notes that survive across conversations. " +
			"Paths are relative to the memory root (a leading /memories/ is accepted). " +
			"Commands: view (file content or directory listing, optional 1-based view_range [start, end], end -1 for end of file), " +
			"create (write file_text, replacing any existing file), str_replace (replace the first old_str with new_str), " +
			"insert (insert_text as a new line at 0-based insert_line), delete, rename (old_path to new_path).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type": "string",
					"enum": []string{"view", "create", "str_replace", "insert", "delete", "rename"},
				},
				"path":        map[string]any{"type": "string"},
				"view_range":  map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "minItems": 2, "maxItems": 2},
				"file_text":   map[string]any{"type": "string"},
				"old_str":     map[string]any{"type": "string"},
				"new_str":     map[string]any{"type": "string"},
				"insert_line": map[string]any{"type": "integer"},
				"insert_text": map[string]any{"type": "string"},
				"old_path":    map[string]any{"type": "string"},
				"new_path":    map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
		Handler: m.handle,
	}
}

func (m *Memory) handle(_ context.Context, args map[string]any) (string, error) {
	cmd, _ := args["command"].(string)
	p, _ := args["path"].(string)

	m.logger.Debug("memory command", "command", cmd, "path", p)

	switch cmd {
	case "view":
		return m.View(p, intSlice(args["view_range"]))
	case "create":
		text, ok := args["file_text"].(string)
		if !ok {
			return "", errors.New("file_text is required")
		}
		return m.Create(p, text)
	case "str_replace":
		oldStr, ok := args["old_str"].(string)
		if !ok {
			return "", errors.New("old_str is required")
		}
		newStr, _ := args["new_str"].(string)
		return m.StrReplace(p, oldStr, newStr)
	case "insert":
		line, ok := args["insert_line"].(float64)
		if !ok {
			return "", errors.New("insert_line is required")
		}
		text, _ := args["insert_text"].(string)
		return m.Insert(p, int(line), text)
	case "delete":
		return m.Delete(p)
	case "rename":
		oldPath, _ := args["old_path"].(string)
		newPath, _ := args["new_path"].(string)
		return m.Rename(oldPath, newPath)
	default:
		return "", fmt.Errorf("unknown memory command %q", cmd)
	}
}

// intSlice converts a decoded JSON array of numbers.
func intSlice(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		if f, ok := item.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
