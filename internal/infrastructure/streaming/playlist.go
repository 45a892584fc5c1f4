package streaming

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Segment is one media segment listed in a live playlist.
type Segment struct {
	URI      string
	Duration float64
	// Index is parsed from segment_%05d.ts names, -1 otherwise.
	Index int
}

// Playlist is the subset of an HLS media playlist the service reports on.
type Playlist struct {
	TargetDuration int
	MediaSequence  int
	Segments       []Segment
	Ended          bool
}

var segmentIndexRegex = regexp.MustCompile(`segment_(\d+)\.ts$`)

// Ready reports whether a player can start: the manifest lists a segment.
func (p *Playlist) Ready() bool {
	return p != nil && len(p.Segments) > 0
}

// Duration is the total playable duration in seconds.
func (p *Playlist) Duration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// ParsePlaylist reads an HLS media playlist.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	scanner := bufio.NewScanner(r)
	p := &Playlist{}

	first := true
	var pending float64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("missing #EXTM3U header")
			}
			first = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("invalid target duration: %w", err)
			}
			p.TargetDuration = v
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if err != nil {
				return nil, fmt.Errorf("invalid media sequence: %w", err)
			}
			p.MediaSequence = v
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(value, ','); i >= 0 {
				value = value[:i]
			}
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid segment duration %q: %w", value, err)
			}
			pending = d
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#"):
			// other tags are not needed
		default:
			seg := Segment{URI: line, Duration: pending, Index: -1}
			if m := segmentIndexRegex.FindStringSubmatch(line); len(m) == 2 {
				if idx, err := strconv.Atoi(m[1]); err == nil {
					seg.Index = idx
				}
			}
			p.Segments = append(p.Segments, seg)
			pending = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("empty playlist")
	}
	return p, nil
}

// ReadPlaylist parses the playlist at path.
func ReadPlaylist(path string) (*Playlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParsePlaylist(f)
}
