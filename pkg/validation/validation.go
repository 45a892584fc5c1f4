package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
)

var (
	// RoomIDRegex validates room ID format. Room IDs become directory names
	// under the HLS output root, so path separators and dots are rejected.
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ParticipantIDRegex validates participant ID format
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TrackIDRegex validates track ID format
	TrackIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:{}-]+$`)
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(participantID string) error {
	if participantID == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(participantID) > 100 {
		return fmt.Errorf("participant ID is too long (max 100 characters)")
	}
	if !ParticipantIDRegex.MatchString(participantID) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateTrackID validates track ID
func ValidateTrackID(trackID string) error {
	if trackID == "" {
		return fmt.Errorf("track ID is required")
	}
	if len(trackID) > 200 {
		return fmt.Errorf("track ID is too long (max 200 characters)")
	}
	if !TrackIDRegex.MatchString(trackID) {
		return fmt.Errorf("invalid track ID format")
	}
	return nil
}

// ValidatePortRange validates an inclusive port range handed out in even
// RTP/RTCP pairs. The range must hold at least one even port.
func ValidatePortRange(min, max int) error {
	if min <= 0 || max <= 0 {
		return fmt.Errorf("ports must be positive")
	}
	if max > 65535 {
		return fmt.Errorf("port %d is out of range (max 65535)", max)
	}
	if min > max {
		return fmt.Errorf("min port %d is greater than max port %d", min, max)
	}
	first := min
	if first%2 != 0 {
		first++
	}
	if first > max || first+1 > 65535 {
		return fmt.Errorf("range %d-%d holds no even port", min, max)
	}
	return nil
}

// ValidateListenIP validates an IP literal used for binding sockets
func ValidateListenIP(ip string) error {
	if ip == "" {
		return fmt.Errorf("listen IP is required")
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
