package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/storage"
	"github.com/projecteru2/burrow/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store provides flock-protected read/modify/write access to a JSON file.
// T is the top-level structure stored in the file (must have exported fields
// with json tags). If *T implements storage.Initer, Init() is called
// automatically after loading.
type Store[T any] struct {
	filePath string
	locker   lock.Locker
}

// New creates a Store for the given data file, guarded by locker.
// The locker is shared so callers (e.g. GC) can coordinate with the store
// through the same cross-process lock file.
func New[T any](filePath string, locker lock.Locker) *Store[T] {
	return &Store[T]{filePath: filePath, locker: locker}
}

// With loads the JSON file under the lock and passes the deserialized data to fn.
// If the file does not exist, fn receives a zero-value T.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.Read(fn)
	})
}

// Update performs a read-modify-write on the JSON file under the lock.
// If fn returns nil the data is atomically written back.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.Write(fn)
	})
}

// Read deserializes the file and passes the data to fn. Lock-free: the
// caller must already hold the lock.
func (s *Store[T]) Read(fn func(*T) error) error {
	data, err := s.load()
	if err != nil {
		return err
	}
	return fn(data)
}

// Write deserializes the file, passes the data to fn, and atomically persists
// the result if fn returns nil. Lock-free: the caller must already hold the lock.
func (s *Store[T]) Write(fn func(*T) error) error {
	data, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return utils.AtomicWriteJSON(s.filePath, data)
}

// TryLock attempts to acquire the store lock without blocking.
func (s *Store[T]) TryLock(ctx context.Context) (bool, error) {
	return s.locker.TryLock(ctx)
}

// Unlock releases a lock previously acquired by TryLock.
func (s *Store[T]) Unlock(ctx context.Context) error {
	return s.locker.Unlock(ctx)
}

func (s *Store[T]) load() (*T, error) {
	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
	if err != nil {
		if os.IsNotExist(err) {
			initData(&data)
			return &data, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.filePath, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	initData(&data)
	return &data, nil
}

func initData[T any](data *T) {
	if initer, ok := any(data).(storage.Initer); ok {
		initer.Init()
	}
}
