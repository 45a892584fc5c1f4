package services

import (
	"fmt"
	"sort"
	"strings"

	"rillcast/internal/core/domain"
)

// MaxVideoInputs bounds how many video tracks enter one composition.
const MaxVideoInputs = 4

const (
	LayoutBlank      = "blank"
	LayoutSingle     = "single"
	LayoutSideBySide = "side-by-side"
	LayoutTShape     = "t-shape"
	LayoutGrid       = "grid-2x2"
)

const videoOutLabel = "[vout]"

// Canvas is the output picture. Width and height must be even.
type Canvas struct {
	Width     int
	Height    int
	Framerate int
}

// Layout is the composition plan for a given number of video inputs.
// Inputs 0..VideoInputs-1 are the video descriptors; the single audio input
// (real or synthetic) always follows them.
type Layout struct {
	Name        string
	VideoInputs int
	FilterGraph string
	VideoLabel  string
	OutputMap   []string
}

type tile struct {
	w, h int
}

// PlanLayout is pure: it only derives the filter graph and stream map.
func PlanLayout(videoCount int, canvas Canvas) (Layout, error) {
	if videoCount < 0 || videoCount > MaxVideoInputs {
		return Layout{}, fmt.Errorf("%w: %d video inputs", domain.ErrInvalidLayout, videoCount)
	}
	if canvas.Width <= 0 || canvas.Height <= 0 || canvas.Framerate <= 0 {
		return Layout{}, fmt.Errorf("%w: canvas %dx%d@%d", domain.ErrInvalidLayout, canvas.Width, canvas.Height, canvas.Framerate)
	}

	w, h := canvas.Width, canvas.Height
	halfW, halfH := even(w/2), even(h/2)

	var (
		name  string
		tiles []tile
		stack string
	)
	switch videoCount {
	case 0:
		name = LayoutBlank
	case 1:
		name = LayoutSingle
		tiles = []tile{{w, h}}
	case 2:
		name = LayoutSideBySide
		tiles = []tile{{halfW, h}, {halfW, h}}
		stack = "[v0][v1]hstack=inputs=2" + videoOutLabel
	case 3:
		name = LayoutTShape
		tiles = []tile{{halfW, halfH}, {halfW, halfH}, {halfW * 2, halfH}}
		stack = "[v0][v1]hstack=inputs=2[top];[top][v2]vstack=inputs=2" + videoOutLabel
	case 4:
		name = LayoutGrid
		tiles = []tile{{halfW, halfH}, {halfW, halfH}, {halfW, halfH}, {halfW, halfH}}
		stack = "[v0][v1][v2][v3]xstack=inputs=4:layout=0_0|w0_0|0_h0|w0_h0" + videoOutLabel
	}

	var parts []string
	if videoCount == 0 {
		parts = append(parts, fmt.Sprintf("color=c=black:s=%dx%d:r=%d%s", w, h, canvas.Framerate, videoOutLabel))
	}
	for i, t := range tiles {
		label := fmt.Sprintf("[v%d]", i)
		if videoCount == 1 {
			label = videoOutLabel
		}
		parts = append(parts, scaleTile(i, t, canvas.Framerate, label))
	}
	if stack != "" {
		parts = append(parts, stack)
	}

	return Layout{
		Name:        name,
		VideoInputs: videoCount,
		FilterGraph: strings.Join(parts, ";"),
		VideoLabel:  videoOutLabel,
		OutputMap:   []string{"-map", videoOutLabel, "-map", fmt.Sprintf("%d:a", videoCount)},
	}, nil
}

func scaleTile(input int, t tile, fps int, label string) string {
	return fmt.Sprintf(
		"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d%s",
		input, t.w, t.h, t.w, t.h, fps, label,
	)
}

func even(n int) int {
	return n &^ 1
}

// SelectTracks picks the composition inputs: the earliest published eligible
// audio track and up to MaxVideoInputs eligible video tracks in publish order.
func SelectTracks(tracks []domain.Track) (videos []domain.Track, audio *domain.Track) {
	ordered := make([]domain.Track, 0, len(tracks))
	seen := make(map[domain.TrackID]bool, len(tracks))
	for _, t := range tracks {
		if !t.Eligible() || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		ordered = append(ordered, t)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PublishedAt.Before(ordered[j].PublishedAt)
	})

	for _, t := range ordered {
		switch t.Kind {
		case domain.TrackKindAudio:
			if audio == nil {
				a := t
				audio = &a
			}
		case domain.TrackKindVideo:
			if len(videos) < MaxVideoInputs {
				videos = append(videos, t)
			}
		}
	}
	return videos, audio
}
