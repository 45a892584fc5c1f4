package distributed

import (
	"context"
	"time"

	"rillcast/internal/core/domain"

	"go.uber.org/zap"
)

// Refresher re-evaluates a room's composition.
type Refresher interface {
	Refresh(ctx context.Context, roomID domain.RoomID) error
}

// RefreshOnRemoteInput returns a bus handler that refreshes a room when
// another instance reports a published track or a departed participant.
// Local input changes reach the controller directly from the SFU.
func RefreshOnRemoteInput(instanceID string, refresher Refresher, timeout time.Duration, logger *zap.SugaredLogger) Handler {
	return func(_ context.Context, event *domain.StreamEvent) {
		if event.InstanceID == instanceID {
			return
		}
		if event.Type != domain.EventTrackPublished && event.Type != domain.EventParticipantLeft {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := refresher.Refresh(ctx, event.RoomID); err != nil {
				logger.Warnw("failed to refresh room after remote event",
					"room_id", event.RoomID,
					"type", event.Type,
					"origin", event.InstanceID,
					"error", err,
				)
			}
		}()
	}
}
