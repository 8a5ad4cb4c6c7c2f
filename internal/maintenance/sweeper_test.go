package maintenance

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingMetrics struct {
	mu    sync.Mutex
	total int
}

func (m *countingMetrics) StagingFilesSwept(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += n
}

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("archive"), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestStagingSweeper_Sweep(t *testing.T) {
	dir := t.TempDir()
	stale := writeAged(t, dir, "migration-a-1.tar.gz", 48*time.Hour)
	fresh := writeAged(t, dir, "migration-b-2.tar.gz", time.Minute)
	unrelated := writeAged(t, dir, "notes.txt", 48*time.Hour)
	if err := os.Mkdir(filepath.Join(dir, "migration-dir.tar.gz"), 0o755); err != nil {
		t.Fatal(err)
	}

	metrics := &countingMetrics{}
	s := NewStagingSweeper(dir, 24*time.Hour, metrics, zerolog.Nop())

	if got := s.Sweep(); got != 1 {
		t.Errorf("Sweep() = %d, want 1", got)
	}
	tests := []struct {
		path string
		want bool
	}{
		{stale, false},
		{fresh, true},
		{unrelated, true},
		{filepath.Join(dir, "migration-dir.tar.gz"), true},
	}
	for _, tt := range tests {
		_, err := os.Stat(tt.path)
		if exists := err == nil; exists != tt.want {
			t.Errorf("%s exists = %v, want %v", filepath.Base(tt.path), exists, tt.want)
		}
	}
	if metrics.total != 1 {
		t.Errorf("metrics total = %d, want 1", metrics.total)
	}

	// A second pass finds nothing.
	if got := s.Sweep(); got != 0 {
		t.Errorf("second Sweep() = %d, want 0", got)
	}
}

func TestStagingSweeper_MissingDir(t *testing.T) {
	s := NewStagingSweeper(filepath.Join(t.TempDir(), "absent"), time.Hour, nil, zerolog.Nop())
	if got := s.Sweep(); got != 0 {
		t.Errorf("Sweep() = %d, want 0", got)
	}
}

func TestStagingSweeper_StartStop(t *testing.T) {
	s := NewStagingSweeper(t.TempDir(), time.Hour, nil, zerolog.Nop())

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error starting sweeper: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("expected error when starting already-running sweeper")
	}

	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not finish")
	}

	// Stopping twice is harmless.
	select {
	case <-s.Stop().Done():
	default:
		t.Error("second Stop() context should already be done")
	}
}

func TestStagingSweeper_BadSchedule(t *testing.T) {
	s := NewStagingSweeper(t.TempDir(), time.Hour, nil, zerolog.Nop())
	s.schedule = "not a schedule"
	if err := s.Start(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
