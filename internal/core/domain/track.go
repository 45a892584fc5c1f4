package domain

import (
	"strings"
	"time"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type TrackState string

const (
	TrackStateActive TrackState = "active"
	TrackStatePaused TrackState = "paused"
	TrackStateClosed TrackState = "closed"
)

// HeaderExtension is a negotiated RTP header extension mapping.
type HeaderExtension struct {
	ID  int    `json:"id"`
	URI string `json:"uri"`
}

// RTPParameters is a snapshot of the negotiated codec of one RTP stream.
type RTPParameters struct {
	MimeType         string            `json:"mime_type"`
	PayloadType      uint8             `json:"payload_type"`
	ClockRate        uint32            `json:"clock_rate"`
	Channels         uint16            `json:"channels,omitempty"`
	FmtpLine         string            `json:"fmtp,omitempty"`
	RTCPFeedback     []string          `json:"rtcp_feedback,omitempty"`
	HeaderExtensions []HeaderExtension `json:"header_extensions,omitempty"`
	SSRC             uint32            `json:"ssrc"`
	CNAME            string            `json:"cname,omitempty"`
}

// CodecName returns the encoding name part of the mime type ("video/H264" -> "H264").
func (p RTPParameters) CodecName() string {
	if i := strings.IndexByte(p.MimeType, '/'); i >= 0 {
		return p.MimeType[i+1:]
	}
	return p.MimeType
}

// RTPCapabilities lists the codecs a receiving endpoint can accept.
type RTPCapabilities struct {
	Codecs           []RTPParameters
	HeaderExtensions []HeaderExtension
}

// Supports reports whether a codec with the given mime type is acceptable.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// Track is a media track published into a room by a participant. Its lifetime
// is owned by the real-time transport layer.
type Track struct {
	ID            TrackID       `json:"id"`
	Kind          TrackKind     `json:"kind"`
	ParticipantID ParticipantID `json:"participant_id"`
	State         TrackState    `json:"state"`
	Codec         RTPParameters `json:"codec"`
	PublishedAt   time.Time     `json:"published_at"`
}

// Eligible reports whether the track may be selected for composition.
func (t Track) Eligible() bool {
	return t.State == TrackStateActive
}
