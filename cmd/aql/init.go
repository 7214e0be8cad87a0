package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aql-agent/aql/internal/defaults"
)

// runInit writes starter files into dir. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing aql in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data", "memories"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// config.yaml may hold API keys.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{".mcp.json", defaults.MCPJSON, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipped)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set ANTHROPIC_API_KEY, then run: aql serve")
	return nil
}

// writeIfMissing reports whether it wrote path.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
