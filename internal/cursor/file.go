package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const fileMode = 0o600

// FileStore keeps cursors in a flat JSON object: {"<account id>": <last item id>}.
type FileStore struct {
	path string
	log  *slog.Logger
}

func NewFileStore(path string, log *slog.Logger) *FileStore {
	return &FileStore{path: path, log: log}
}

func (s *FileStore) Load(ctx context.Context) Cursors {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.InfoContext(ctx, "Cursor file does not exist, starting from scratch",
				"cursorPath", s.path)
		} else {
			s.log.WarnContext(ctx, "Failed to read cursor file, starting from scratch",
				"error", err,
				"cursorPath", s.path)
		}

		return Cursors{}
	}

	var cursors Cursors
	if err = json.Unmarshal(data, &cursors); err != nil {
		s.log.WarnContext(ctx, "Cursor file is malformed, starting from scratch",
			"error", err,
			"cursorPath", s.path)

		return Cursors{}
	}

	if cursors == nil {
		return Cursors{}
	}

	s.log.DebugContext(ctx, "Cursor file is loaded",
		"cursorPath", s.path,
		"accountCount", len(cursors))

	return cursors
}

// Save writes the mapping to a temporary file next to the target and renames it
// over the target, so readers never observe a partially written file.
func (s *FileStore) Save(ctx context.Context, cursors Cursors) error {
	if cursors == nil {
		cursors = Cursors{}
	}

	data, err := json.Marshal(cursors)
	if err != nil {
		return fmt.Errorf("marshal cursors: %w", err)
	}

	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			s.log.WarnContext(ctx, "Failed to remove temp cursor file",
				"error", removeErr,
				"tmpPath", tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, fileMode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	s.log.InfoContext(ctx, "Cursors are saved",
		"cursorPath", s.path,
		"accountCount", len(cursors))

	return nil
}
