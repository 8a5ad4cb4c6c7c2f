package snapshot

import (
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// phaseBands maps archive phases to percent ranges per operation.
var phaseBands = map[string]map[archive.Phase][2]int{
	OperationCreate: {
		archive.PhaseCompress: {5, 60},
		archive.PhaseTransfer: {60, 99},
	},
	OperationRestore: {
		archive.PhaseTransfer: {5, 70},
		archive.PhaseExtract:  {70, 99},
	},
}

// reporter publishes throttled, non-decreasing progress for one operation.
type reporter struct {
	s      *Store
	userID uuid.UUID
	base   Progress

	mu       sync.Mutex
	pct      int
	lastEmit time.Time
}

func (s *Store) newReporter(userID, snapshotID, deploymentID uuid.UUID, op string) *reporter {
	return &reporter{
		s:      s,
		userID: userID,
		base:   Progress{SnapshotID: snapshotID, DeploymentID: deploymentID, Operation: op},
	}
}

func (r *reporter) percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pct
}

func (r *reporter) emit(phase string, pct int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(phase, pct, message)
}

func (r *reporter) emitLocked(phase string, pct int, message string) {
	if pct > r.pct {
		r.pct = pct
	}
	r.lastEmit = time.Now()
	if r.s.feed == nil {
		return
	}
	ev := r.base
	ev.Phase = phase
	ev.Percent = r.pct
	ev.Message = message
	r.s.feed.Emit(ProgressEvent, r.userID, ev)
}

func (r *reporter) archiveProgress(p archive.Progress) {
	band, ok := phaseBands[r.base.Operation][p.Phase]
	if !ok || p.Total <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	finished := p.Done >= p.Total
	if !finished && time.Since(r.lastEmit) < r.s.cfg.ProgressInterval {
		return
	}
	done := min(p.Done, p.Total)
	pct := band[0] + int(int64(band[1]-band[0])*done/p.Total)
	if pct <= r.pct && !finished {
		return
	}

	var msg string
	if p.Phase == archive.PhaseExtract {
		msg = fmt.Sprintf("extracted %d of %d volumes", done, p.Total)
	} else {
		msg = fmt.Sprintf("%s %s of %s", p.Phase, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(p.Total)))
	}
	r.emitLocked(string(p.Phase), pct, msg)
}
