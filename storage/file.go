package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileStore keeps IDs in an append-only newline-delimited file.
// The whole list is read into memory when the store is opened.
type fileStore struct {
	logger *slog.Logger
	f      *os.File
	ids    map[string]struct{}
	path   string
	mu     sync.Mutex

	// The file did not end in a newline when opened.
	needsNewline bool
}

func openFile(path string, logger *slog.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read state file: %w", err)
	}
	list, err := ParseIDs(bytes.NewReader(data))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	ids := make(map[string]struct{}, len(list))
	for _, id := range list {
		ids[id] = struct{}{}
	}

	logger.Info("Notification state loaded", "driver", DriverFile, "path", path, "records", len(ids))
	return &fileStore{
		logger:       logger,
		f:            f,
		ids:          ids,
		path:         path,
		needsNewline: len(data) > 0 && data[len(data)-1] != '\n',
	}, nil
}

func (s *fileStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return false, ErrClosed
	}
	_, ok := s.ids[strings.TrimSpace(id)]
	return ok, nil
}

func (s *fileStore) Record(_ context.Context, id string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, ok := s.ids[id]; ok {
		return nil
	}

	line := id + "\n"
	if s.needsNewline {
		line = "\n" + line
	}
	if _, err := s.f.WriteString(line); err != nil {
		return fmt.Errorf("append to state file: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	s.needsNewline = false
	s.ids[id] = struct{}{}

	s.logger.Debug("Notification recorded", "driver", DriverFile, "path", s.path, "message_id", id)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
