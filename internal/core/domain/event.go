package domain

import "time"

type EventType string

const (
	EventStreamStarted   EventType = "stream.started"
	EventStreamReady     EventType = "stream.ready"
	EventStreamEnded     EventType = "stream.ended"
	EventStreamFailed    EventType = "stream.failed"
	EventTrackPublished  EventType = "track.published"
	EventParticipantLeft EventType = "participant.left"
)

// StreamEvent is published whenever a room's composition or its inputs change.
type StreamEvent struct {
	Type          EventType     `json:"type"`
	InstanceID    string        `json:"instance_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	RoomID        RoomID        `json:"room_id"`
	SessionID     SessionID     `json:"session_id,omitempty"`
	TrackID       TrackID       `json:"track_id,omitempty"`
	ParticipantID ParticipantID `json:"participant_id,omitempty"`
	PlaybackURL   string        `json:"playback_url,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}
