package ports

import (
	"context"

	"rillcast/internal/core/domain"
)

// Router is the per-room view of the real-time transport layer.
type Router interface {
	domain.TrackLookup

	RoomID() domain.RoomID
	Capabilities() domain.RTPCapabilities
	Tracks() []domain.Track
	CreateRelayTransport(ctx context.Context, listenIP string) (RelayTransport, error)
}

// RelayTransport is a plain RTP endpoint on the loopback interface. It only
// sends; the receiving side is fixed by Connect.
type RelayTransport interface {
	ID() string
	Connect(ctx context.Context, ip string, port int) error
	Consume(ctx context.Context, trackID domain.TrackID, caps domain.RTPCapabilities, paused bool) (Consumer, error)
	Close() error
}

type Consumer interface {
	ID() string
	TrackID() domain.TrackID
	Kind() domain.TrackKind
	Parameters() domain.RTPParameters
	Resume(ctx context.Context) error
	RequestKeyframe(ctx context.Context) error
	Close() error
}

type RouterProvider interface {
	Router(roomID domain.RoomID) (Router, error)
}

// RoomEventHandler receives input changes from the real-time transport layer.
type RoomEventHandler interface {
	OnTrackPublished(ctx context.Context, roomID domain.RoomID, trackID domain.TrackID)
	OnParticipantLeft(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID)
}
