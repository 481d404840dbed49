package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

// FileStore persists one JSON document per workflow under a directory.
// Writes go through a temp file plus rename so a crash mid-write never
// leaves a truncated checkpoint behind.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "creating checkpoint directory %q", dir).WithCause(err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return schema.NewError(schema.ErrCodeCheckpoint, "serializing checkpoint").WithCause(err)
	}

	target := s.path(cp.Workflow)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return schema.NewError(schema.ErrCodeCheckpoint, "creating temp checkpoint file").WithCause(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return schema.NewError(schema.ErrCodeCheckpoint, "writing checkpoint").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return schema.NewError(schema.ErrCodeCheckpoint, "closing checkpoint file").WithCause(err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeCheckpoint, "committing checkpoint for %q", cp.Workflow).WithCause(err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, workflow string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(workflow))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "reading checkpoint for %q", workflow).WithCause(err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "decoding checkpoint for %q", workflow).WithCause(err)
	}
	return &cp, nil
}

func (s *FileStore) Clear(_ context.Context, workflow string) error {
	err := os.Remove(s.path(workflow))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return schema.NewErrorf(schema.ErrCodeCheckpoint, "removing checkpoint for %q", workflow).WithCause(err)
	}
	return nil
}

func (s *FileStore) path(workflow string) string {
	return filepath.Join(s.dir, sanitize(workflow)+".json")
}

// sanitize maps a workflow name to a safe file stem.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "_%04x", r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
