package statestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/jsonx"
	"github.com/bnema/agentloop/internal/ports"
)

const (
	DefaultLockTimeout = 10 * time.Second
	DefaultStaleAfter  = 2 * time.Minute

	documentFileMode = 0o600
	documentDirMode  = 0o700
	readRetryDelay   = 20 * time.Millisecond
)

type Options struct {
	LockTimeout time.Duration
	StaleAfter  time.Duration
	Clock       ports.Clock
	Logger      *slog.Logger
	// NewBackOff builds the retry schedule for lock contention. The store
	// bounds it by LockTimeout.
	NewBackOff func() backoff.BackOff
}

// Store serialises read-modify-write cycles on JSON documents across
// goroutines and processes sharing a filesystem.
type Store struct {
	lockTimeout time.Duration
	staleAfter  time.Duration
	clock       ports.Clock
	logger      *slog.Logger
	newBackOff  func() backoff.BackOff
}

var _ ports.StateStore = (*Store)(nil)

func New(opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}

	return &Store{
		lockTimeout: opts.LockTimeout,
		staleAfter:  opts.StaleAfter,
		clock:       opts.Clock,
		logger:      opts.Logger,
		newBackOff:  opts.NewBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.Multiplier = 1.6
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Store) WithLock(ctx context.Context, path string, fn ports.MutateFunc) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	raw, err := readDocument(path)
	if err != nil {
		return err
	}
	if raw != nil && !jsonx.Valid(raw) {
		return &domain.CorruptStateError{Path: path, Err: errors.New("document is not valid JSON")}
	}

	updated, err := fn(raw)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return writeFileAtomic(path, updated)
}

// ReadOnly returns the current document without taking the lock. A document
// that fails to parse twice in a row is reported as absent.
func (s *Store) ReadOnly(ctx context.Context, path string) ([]byte, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := readDocument(path)
		if err != nil {
			return nil, err
		}
		if raw == nil || jsonx.Valid(raw) {
			return raw, nil
		}
		if attempt == 0 {
			if err := (ports.SystemSleeper{}).Sleep(ctx, readRetryDelay); err != nil {
				return nil, err
			}
		}
	}

	s.logger.Warn("state document unreadable, using defaults", "path", path)
	return nil, nil
}

func (s *Store) Remove(ctx context.Context, path string, check func(raw []byte) error) (bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return false, err
	}

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return false, err
	}
	defer unlock()

	raw, err := readDocument(path)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if check != nil {
		if err := check(raw); err != nil {
			return false, err
		}
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove state document: %w", err)
	}

	return true, nil
}

// Reinitialize replaces the document with raw, keeping the previous content
// next to it as <path>.corrupt-<unix>. The check runs under the lock: when
// corrupt is non-nil and reports false for the current content, another
// writer already repaired the document and it is left untouched.
func (s *Store) Reinitialize(ctx context.Context, path string, raw []byte, corrupt func(current []byte) bool) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	previous, err := readDocument(path)
	if err != nil {
		return err
	}
	if previous != nil && corrupt != nil && !corrupt(previous) {
		s.logger.Info("state document already repaired, keeping it", "path", path)
		return nil
	}
	if previous != nil {
		backup := path + ".corrupt-" + strconv.FormatInt(s.clock.Now().Unix(), 10)
		if err := writeFileAtomic(backup, previous); err != nil {
			return fmt.Errorf("back up corrupt state document: %w", err)
		}
		s.logger.Warn("reinitialising corrupt state document", "path", path, "backup", backup)
	}

	return writeFileAtomic(path, raw)
}

func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	return data, nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("state document path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve state document path: %w", err)
	}

	return filepath.Clean(absPath), nil
}
