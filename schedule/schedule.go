// Package schedule runs the auto-import scanner: periodically walk a
// library directory and admit any file not already ingested. Only one
// process instance runs the scan at a time, coordinated by a Redis
// SETNX+TTL lock so a multi-replica deployment doesn't double-admit files.
package schedule

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKey     = "library:auto_import:lock"
	lockTTL     = 300 * time.Second
	takeoverPoll = time.Minute
)

// Importer admits one file on behalf of a knowledge space. Implemented by
// the root package's Engine.UploadDocument + ProcessDocument (or a jobs.Runner
// wrapping them).
type Importer func(ctx context.Context, spaceID int64, fileName string, content []byte) error

// Scanner periodically scans dir for files and imports any not already seen.
type Scanner struct {
	rdb      *redis.Client
	dir      string
	interval time.Duration
	spaceID  int64
	importFn Importer
	lockOwner string

	seen map[string]bool
}

// NewScanner builds a Scanner. rdb may be nil, in which case this process
// always acts as leader (single-instance deployment).
func NewScanner(rdb *redis.Client, dir string, interval time.Duration, spaceID int64, importFn Importer) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scanner{
		rdb: rdb, dir: dir, interval: interval, spaceID: spaceID, importFn: importFn,
		lockOwner: uuid.NewString(),
		seen:      make(map[string]bool),
	}
}

// Run blocks, scanning on every tick until ctx is cancelled. Non-leader
// instances poll for the lock once a minute rather than sleeping the full
// scan interval, so a failed leader is taken over promptly.
func (s *Scanner) Run(ctx context.Context) {
	for {
		if s.acquireOrRenewLock(ctx) {
			s.scanOnce(ctx)
			s.sleep(ctx, s.interval)
		} else {
			s.sleep(ctx, takeoverPoll)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scanner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// acquireOrRenewLock reports whether this process holds leadership for the
// current scan. With no Redis client, it always returns true.
func (s *Scanner) acquireOrRenewLock(ctx context.Context) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, lockKey, s.lockOwner, lockTTL).Result()
	if err != nil {
		slog.Warn("schedule: lock acquisition failed", "error", err)
		return false
	}
	if ok {
		return true
	}
	// Already leader from a prior iteration — refresh the TTL only if we
	// still hold it.
	owner, err := s.rdb.Get(ctx, lockKey).Result()
	if err == nil && owner == s.lockOwner {
		s.rdb.Expire(ctx, lockKey, lockTTL)
		return true
	}
	return false
}

func (s *Scanner) scanOnce(ctx context.Context) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("schedule: reading library dir failed", "dir", s.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || s.seen[entry.Name()] {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("schedule: reading library file failed", "path", path, "error", err)
			continue
		}
		if err := s.importFn(ctx, s.spaceID, entry.Name(), content); err != nil {
			slog.Warn("schedule: auto-import failed", "file", entry.Name(), "error", err)
			continue
		}
		s.seen[entry.Name()] = true
		slog.Info("schedule: auto-imported file", "file", entry.Name())
	}
}
