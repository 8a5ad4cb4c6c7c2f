package activity

import (
	"context"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EntryEvent is the real-time event name for new activity log entries.
const EntryEvent = "activity"

// Store persists activity entries.
type Store interface {
	CreateActivityEntry(ctx context.Context, e *models.ActivityEntry) error
}

// Recorder writes the activity log and echoes each entry to the feed.
// Failures are logged, never returned.
type Recorder struct {
	store  Store
	feed   *Feed
	logger zerolog.Logger
}

// NewRecorder creates a Recorder. feed may be nil.
func NewRecorder(store Store, feed *Feed, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		feed:   feed,
		logger: logger.With().Str("component", "activity_recorder").Logger(),
	}
}

// Record appends an entry for userID.
func (r *Recorder) Record(ctx context.Context, userID uuid.UUID, kind models.ActivityKind, message string) {
	entry := models.NewActivityEntry(userID, kind, message)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.CreateActivityEntry(ctx, entry); err != nil {
		r.logger.Error().Err(err).Str("kind", string(kind)).Str("user_id", userID.String()).Msg("failed to record activity")
		return
	}
	if r.feed != nil {
		r.feed.Emit(EntryEvent, userID, entry)
	}
}
