package services

import (
	"strings"
	"sync"
)

// NoiseClass groups transcoder diagnostics that are expected under
// best-effort network delivery.
type NoiseClass struct {
	Name     string
	Patterns []string
}

var DefaultNoiseClasses = []NoiseClass{
	{Name: "duplicate_frames", Patterns: []string{"dup!", "drop!", "frames duplicated"}},
	{Name: "timestamps", Patterns: []string{"Non-monotonous DTS", "Non-monotonic DTS", "non monotonically increasing dts", "Past duration"}},
	{Name: "rtp_reorder", Patterns: []string{"RTP: missed", "RTP: dropping old packet", "max delay reached", "jitter buffer"}},
	{Name: "decode_errors", Patterns: []string{"decode_slice_header error", "error while decoding", "concealing", "Missing reference picture", "non-existing PPS", "no frame!"}},
}

// WarningLimiter counts recoverable noise per class and lets one line in
// every `every` occurrences through. One limiter belongs to one session.
type WarningLimiter struct {
	every   int
	classes []NoiseClass

	mu     sync.Mutex
	counts map[string]int
}

func NewWarningLimiter(every int, classes []NoiseClass) *WarningLimiter {
	if every < 1 {
		every = 1
	}
	return &WarningLimiter{
		every:   every,
		classes: classes,
		counts:  make(map[string]int),
	}
}

// Classify returns the noise class of line, or "" when the line is not noise.
func (l *WarningLimiter) Classify(line string) string {
	for _, c := range l.classes {
		for _, p := range c.Patterns {
			if strings.Contains(line, p) {
				return c.Name
			}
		}
	}
	return ""
}

// Observe records one occurrence of class. emit is true for the first
// occurrence and every `every`-th one after it.
func (l *WarningLimiter) Observe(class string) (count int, emit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[class]++
	count = l.counts[class]
	return count, (count-1)%l.every == 0
}

func (l *WarningLimiter) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Reset discards all counters.
func (l *WarningLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[string]int)
}
