package ports

import (
	"context"
	"time"

	"rillcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type StreamController interface {
	StartOrReplace(ctx context.Context, roomID domain.RoomID, refs []domain.TrackRef) (string, error)
	Stop(ctx context.Context, roomID domain.RoomID) error
	Status(roomID domain.RoomID) bool
	PlaybackURL(roomID domain.RoomID) string
	Refresh(ctx context.Context, roomID domain.RoomID) error
	Sessions() []domain.SessionRecord
}

type PublisherService interface {
	HandlePublisherOffer(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	RemoveParticipant(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event *domain.StreamEvent) error
}

// CompositionMetrics receives lifecycle observations from the controller and
// the process supervisor.
type CompositionMetrics interface {
	SessionStarted(roomID domain.RoomID, layout string, duration time.Duration)
	SessionEnded(roomID domain.RoomID, reason string)
	StartFailed(roomID domain.RoomID, reason string)
	WarningSuppressed(class string)
}
