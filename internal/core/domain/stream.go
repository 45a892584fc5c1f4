package domain

import (
	"time"
)

type RoomID string
type ParticipantID string
type SessionID string
type TrackID string

// SessionState is the lifecycle state of a StreamSession's external process.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
	SessionExited   SessionState = "exited"
)

// SessionRecord is the externally visible snapshot of a room's composition,
// stored by the session repository and served over the status API.
type SessionRecord struct {
	SessionID   SessionID    `json:"session_id"`
	RoomID      RoomID       `json:"room_id"`
	State       SessionState `json:"state"`
	Layout      string       `json:"layout"`
	VideoTracks []TrackID    `json:"video_tracks"`
	AudioTrack  TrackID      `json:"audio_track,omitempty"`
	PlaybackURL string       `json:"playback_url"`
	OutputDir   string       `json:"output_dir"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at,omitempty"`
	ExitReason  string       `json:"exit_reason,omitempty"`
}

// Active reports whether the record describes a live composition.
func (r *SessionRecord) Active() bool {
	return r.State == SessionStarting || r.State == SessionRunning
}
