// Package filetree holds the shared path → contents aggregate of a project
// and the store that funnels every mutation through one merge entry point.
package filetree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidPath is returned for empty, absolute or escaping paths.
var ErrInvalidPath = errors.New("invalid file path")

// FileNode carries a file's contents.
type FileNode struct {
	Contents string `json:"contents"`
}

// Entry is one file of the tree. On the wire it is {"file": {"contents": "..."}}.
type Entry struct {
	File *FileNode `json:"file,omitempty"`
}

// NewEntry returns an entry holding contents.
func NewEntry(contents string) Entry {
	return Entry{File: &FileNode{Contents: contents}}
}

// Contents returns the file contents, empty when the entry carries none.
func (e Entry) Contents() string {
	if e.File == nil {
		return ""
	}
	return e.File.Contents
}

// Tree maps a relative, slash-separated path to its entry. A Tree value
// handed out by the Store is never mutated afterwards.
type Tree map[string]Entry

// ValidatePath normalizes name and rejects paths that would escape the
// project root once mounted.
func ValidatePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the project", ErrInvalidPath, name)
	}
	return clean, nil
}

// Clone returns a shallow copy. Entries are values whose FileNode is never
// mutated in place, so sharing them is safe.
func (t Tree) Clone() Tree {
	if t == nil {
		return Tree{}
	}
	return maps.Clone(t)
}

// Merge returns a new tree where every path in delta replaces the entry in t.
// Paths absent from delta are untouched. Neither input is modified.
func (t Tree) Merge(delta Tree) Tree {
	out := make(Tree, len(t)+len(delta))
	maps.Copy(out, t)
	maps.Copy(out, delta)
	return out
}

// Without returns a copy of t lacking name.
func (t Tree) Without(name string) Tree {
	out := t.Clone()
	delete(out, name)
	return out
}

// Has reports whether name is present.
func (t Tree) Has(name string) bool {
	_, ok := t[name]
	return ok
}

// Paths returns the paths in lexical order.
func (t Tree) Paths() []string {
	return slices.Sorted(maps.Keys(t))
}

// Equal reports whether t and other hold the same paths with the same contents.
func (t Tree) Equal(other Tree) bool {
	return maps.EqualFunc(t, other, func(a, b Entry) bool { return a.Contents() == b.Contents() })
}

// Fingerprint hashes the tree's paths and contents independent of map order.
func (t Tree) Fingerprint() uint64 {
	d := xxhash.New()
	for _, p := range t.Paths() {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(t[p].Contents())
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// UnmarshalJSON decodes a tree tolerantly. Each value may be
// {"file": {"contents": ...}}, a flat {"contents": ...}, or a
// {"directory": {...}} node whose children are flattened into slash paths.
func (t *Tree) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = nil
		return nil
	}

	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(data, &nodes); err != nil {
		return fmt.Errorf("file tree: %w", err)
	}

	out := make(Tree, len(nodes))
	if err := decodeNodes("", nodes, out); err != nil {
		return err
	}
	*t = out
	return nil
}

type rawNode struct {
	File      *FileNode                  `json:"file"`
	Contents  *string                    `json:"contents"`
	Directory map[string]json.RawMessage `json:"directory"`
}

func decodeNodes(prefix string, nodes map[string]json.RawMessage, out Tree) error {
	for name, raw := range nodes {
		full := name
		if prefix != "" {
			full = prefix + "/" + name
		}

		var node rawNode
		if err := json.Unmarshal(raw, &node); err != nil {
			return fmt.Errorf("file tree entry %q: %w", full, err)
		}

		switch {
		case node.File != nil:
			out[full] = NewEntry(node.File.Contents)
		case node.Contents != nil:
			out[full] = NewEntry(*node.Contents)
		case node.Directory != nil:
			if err := decodeNodes(full, node.Directory, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("file tree entry %q has neither file contents nor a directory", full)
		}
	}
	return nil
}
