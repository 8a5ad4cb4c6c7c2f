// Package maintenance runs periodic housekeeping for the Ferry server.
package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs the sweep at the top of every hour.
const DefaultSchedule = "0 * * * *"

// stagingPattern matches archives the migration engine writes to the staging dir.
const stagingPattern = "migration-*.tar.gz"

// SweepMetrics observes sweeper results.
type SweepMetrics interface {
	StagingFilesSwept(n int)
}

// StagingSweeper deletes staging archives left behind by a process that
// crashed mid-migration. A running migration always removes its own file,
// so anything older than maxAge is orphaned.
type StagingSweeper struct {
	dir      string
	maxAge   time.Duration
	schedule string
	metrics  SweepMetrics
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
	now      func() time.Time
}

// NewStagingSweeper creates a sweeper for dir. metrics may be nil.
func NewStagingSweeper(dir string, maxAge time.Duration, metrics SweepMetrics, logger zerolog.Logger) *StagingSweeper {
	return &StagingSweeper{
		dir:      dir,
		maxAge:   maxAge,
		schedule: DefaultSchedule,
		metrics:  metrics,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "staging_sweeper").Logger(),
		now:      time.Now,
	}
}

// Start schedules the sweep.
func (s *StagingSweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("staging sweeper already running")
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("dir", s.dir).
		Dur("max_age", s.maxAge).
		Str("schedule", s.schedule).
		Msg("staging sweeper started")
	return nil
}

// Stop stops the schedule. The returned context is done once a running sweep finishes.
func (s *StagingSweeper) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info().Msg("stopping staging sweeper")
	return s.cron.Stop()
}

// Sweep removes stale staging archives and returns how many were deleted.
func (s *StagingSweeper) Sweep() int {
	matches, err := filepath.Glob(filepath.Join(s.dir, stagingPattern))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list staging dir")
		return 0
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove stale staging archive")
			continue
		}
		removed++
		s.logger.Info().
			Str("file", strings.TrimPrefix(path, s.dir+string(filepath.Separator))).
			Time("modified", info.ModTime()).
			Msg("removed stale staging archive")
	}

	if s.metrics != nil {
		s.metrics.StagingFilesSwept(removed)
	}
	return removed
}
