package archive

import (
	"errors"

	"github.com/MacJediWizard/ferry/internal/models"
)

// ErrNoMatchingVolumes is returned when no target volume has a counterpart in the archive.
var ErrNoMatchingVolumes = errors.New("no target volume matches an archived volume")

// Pair binds an archived tree to the volume it will be extracted into.
type Pair struct {
	Entry  models.ArchiveEntry
	Target models.VolumeMapping
}

// ExtractReport lists which targets were restored and which were skipped.
type ExtractReport struct {
	Matched []Pair
	Skipped []models.VolumeMapping
}

// Match pairs archive entries with target volumes. A target takes the entry
// with the same container path; failing that, the entry at the same position.
// Each entry is used at most once.
func Match(entries []models.ArchiveEntry, targets []models.VolumeMapping) (*ExtractReport, error) {
	used := make([]bool, len(entries))
	byContainer := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.ContainerPath == "" {
			continue
		}
		if _, ok := byContainer[e.ContainerPath]; !ok {
			byContainer[e.ContainerPath] = i
		}
	}

	report := &ExtractReport{}
	assigned := make([]int, len(targets))
	for i := range assigned {
		assigned[i] = -1
	}

	// Container path matches win over positional ones.
	for ti, t := range targets {
		if ei, ok := byContainer[t.ContainerPath]; ok && !used[ei] {
			assigned[ti] = ei
			used[ei] = true
		}
	}
	for ti := range targets {
		if assigned[ti] >= 0 {
			continue
		}
		if ti < len(entries) && !used[ti] {
			assigned[ti] = ti
			used[ti] = true
		}
	}

	for ti, t := range targets {
		if assigned[ti] < 0 {
			report.Skipped = append(report.Skipped, t)
			continue
		}
		report.Matched = append(report.Matched, Pair{Entry: entries[assigned[ti]], Target: t})
	}

	if len(report.Matched) == 0 {
		return nil, ErrNoMatchingVolumes
	}
	return report, nil
}
