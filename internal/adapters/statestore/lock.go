package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/bnema/agentloop/internal/adapters/proc"
	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/jsonx"
)

const lockSuffix = ".lock"

var errLockHeld = errors.New("lock held by another process")

var (
	gateRegistryMu sync.Mutex
	pathGateMap    = map[string]chan struct{}{}
)

type lockMetadata struct {
	PID       int    `json:"pid"`
	Host      string `json:"host"`
	Token     string `json:"token"`
	CreatedAt string `json:"created_at"`
}

// gateForPath returns the in-process gate for a lock path. Goroutines of one
// process queue here before competing for the lock file.
func gateForPath(path string) chan struct{} {
	gateRegistryMu.Lock()
	defer gateRegistryMu.Unlock()

	if gate, ok := pathGateMap[path]; ok {
		return gate
	}

	gate := make(chan struct{}, 1)
	pathGateMap[path] = gate
	return gate
}

func (s *Store) lock(ctx context.Context, path string) (func(), error) {
	lockPath := path + lockSuffix
	if err := os.MkdirAll(filepath.Dir(lockPath), documentDirMode); err != nil {
		return nil, fmt.Errorf("prepare lock directory: %w", err)
	}

	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	gate := gateForPath(lockPath)
	select {
	case gate <- struct{}{}:
	case <-lockCtx.Done():
		return nil, s.lockWaitError(ctx, lockPath, start, 0)
	}

	token := uuid.NewString()
	attempts := 0
	acquire := func() error {
		attempts++
		err := s.createLockFile(lockPath, token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return backoff.Permanent(err)
		}
		if s.reclaimStaleLock(lockPath) {
			return s.createLockFileOrHeld(lockPath, token)
		}
		return errLockHeld
	}

	bo := s.newBackOff()
	bo.Reset()
	if err := backoff.Retry(acquire, backoff.WithContext(bo, lockCtx)); err != nil {
		<-gate
		if errors.Is(err, errLockHeld) || errors.Is(err, context.DeadlineExceeded) {
			return nil, s.lockWaitError(ctx, lockPath, start, attempts)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}

	return func() {
		s.releaseLockFile(lockPath, token)
		<-gate
	}, nil
}

func (s *Store) lockWaitError(ctx context.Context, lockPath string, start time.Time, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &domain.LockTimeoutError{Path: lockPath, Waited: time.Since(start), Attempts: attempts}
}

func (s *Store) createLockFileOrHeld(lockPath, token string) error {
	err := s.createLockFile(lockPath, token)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return errLockHeld
	}
	return backoff.Permanent(err)
}

func (s *Store) createLockFile(lockPath, token string) error {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, documentFileMode)
	if err != nil {
		return err
	}

	self := proc.Self()
	encoded, err := jsonx.Marshal(lockMetadata{
		PID:       self.PID,
		Host:      self.Host,
		Token:     token,
		CreatedAt: s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		_, err = file.Write(append(encoded, '\n'))
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(lockPath)
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

func (s *Store) releaseLockFile(lockPath, token string) {
	meta, err := readLockMetadata(lockPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("leaving unreadable lock file in place", "path", lockPath, "error", err)
		}
		return
	}
	if meta.Token != token {
		s.logger.Warn("lock file was taken over before release", "path", lockPath)
		return
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove lock file", "path", lockPath, "error", err)
	}
}

// reclaimStaleLock removes a lock whose holder is gone or which is older than
// the stale threshold. The lock is renamed aside first and its token checked
// again, so a lock recreated between the inspection and the rename is put back.
func (s *Store) reclaimStaleLock(lockPath string) bool {
	meta, stale := s.inspectLock(lockPath)
	if !stale {
		return false
	}

	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		return false
	}
	defer func() { _ = os.Remove(aside) }()

	moved, err := readLockMetadata(aside)
	if err == nil && meta.Token != "" && moved.Token != meta.Token {
		_ = os.Link(aside, lockPath)
		return false
	}

	s.logger.Warn("reclaimed stale state lock", "path", lockPath, "holder_pid", meta.PID, "holder_host", meta.Host)
	return true
}

func (s *Store) inspectLock(lockPath string) (lockMetadata, bool) {
	now := s.clock.Now()

	meta, err := readLockMetadata(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return lockMetadata{}, false
		}
		info, statErr := os.Stat(lockPath)
		if statErr != nil {
			return lockMetadata{}, false
		}
		return lockMetadata{}, now.Sub(info.ModTime()) > s.staleAfter
	}

	if (proc.Holder{PID: meta.PID, Host: meta.Host}).Dead() {
		return meta, true
	}

	createdAt, err := time.Parse(time.RFC3339Nano, meta.CreatedAt)
	if err != nil {
		return meta, false
	}
	return meta, now.Sub(createdAt) > s.staleAfter
}

func readLockMetadata(lockPath string) (lockMetadata, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return lockMetadata{}, err
	}

	var meta lockMetadata
	if err := jsonx.Unmarshal(data, &meta); err != nil {
		return lockMetadata{}, fmt.Errorf("decode lock file: %w", err)
	}

	return meta, nil
}
