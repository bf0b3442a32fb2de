package jobmem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/k11v/pages/internal/job"
)

var _ job.Storage = (*Storage)(nil)

// Storage is an object store held in memory.
// Its hooks let tests inject failures per key.
type Storage struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PutHook and GetHook, if set, run before the operation and abort it with their error.
	PutHook func(key string) error
	GetHook func(key string) error
	// ListHook, if set, runs before listing and aborts it with its error.
	ListHook func(prefix string) error
}

func NewStorage() *Storage {
	return &Storage{objects: make(map[string][]byte)}
}

func (s *Storage) PutObject(_ context.Context, key string, body io.Reader) error {
	if s.PutHook != nil {
		if err := s.PutHook(key); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("jobmem.Storage: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *Storage) GetObject(_ context.Context, key string) (*job.Object, error) {
	if s.GetHook != nil {
		if err := s.GetHook(key); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, found := s.objects[key]
	if !found {
		return nil, fmt.Errorf("jobmem.Storage: %s: %w", key, job.ErrNotFound)
	}
	return &job.Object{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
	}, nil
}

func (s *Storage) ListObjects(_ context.Context, prefix string) ([]string, error) {
	if s.ListHook != nil {
		if err := s.ListHook(prefix); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Storage) DeleteObjects(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

// Objects returns a copy of every stored object.
func (s *Storage) Objects() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.objects)
}
