package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/document"
)

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// loadGraph reads a workflow document and builds its graph against reg.
func loadGraph(path string, reg *loom.Registry) (*document.Document, *loom.Graph, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, nil, fmt.Errorf("expand path: %w", err)
	}
	doc, err := document.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := doc.Graph(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("build graph: %w", err)
	}
	return doc, g, nil
}

// parseAssignment splits "node.port=value" into its parts. The value is read
// as a document scalar so numbers and booleans keep their types.
func parseAssignment(s string) (nodeID, port string, value any, err error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", nil, fmt.Errorf("invalid --set %q: want node.port=value", s)
	}
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", nil, fmt.Errorf("invalid --set %q: want node.port=value", s)
	}
	return key[:i], key[i+1:], document.ParseValue(raw), nil
}
