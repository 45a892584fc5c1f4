package streaming

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ManifestName is the playlist the transcoder writes in each room directory.
const ManifestName = "stream.m3u8"

// PlaylistStatus is the watcher's latest view of a room's output.
type PlaylistStatus struct {
	SessionID      domain.SessionID `json:"session_id"`
	Ready          bool             `json:"ready"`
	MediaSequence  int              `json:"media_sequence"`
	Segments       int              `json:"segments"`
	TargetDuration int              `json:"target_duration"`
	UpdatedAt      time.Time        `json:"updated_at,omitempty"`
}

// ManifestWatcher follows each room's output directory, publishes
// stream.ready once the manifest lists a segment and keeps the latest
// playlist summary for status queries.
type ManifestWatcher struct {
	events       ports.EventPublisher
	pollInterval time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	watches map[domain.RoomID]*roomWatch
}

type roomWatch struct {
	record  domain.SessionRecord
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	status PlaylistStatus
}

func (w *roomWatch) close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

// NewManifestWatcher creates a watcher. pollInterval is the rescan period
// used alongside filesystem notifications.
func NewManifestWatcher(events ports.EventPublisher, pollInterval time.Duration, logger *zap.SugaredLogger) *ManifestWatcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &ManifestWatcher{
		events:       events,
		pollInterval: pollInterval,
		logger:       logger,
		watches:      make(map[domain.RoomID]*roomWatch),
	}
}

// Watch starts following record.OutputDir, replacing any previous watch of
// the same room. The directory must exist.
func (m *ManifestWatcher) Watch(ctx context.Context, record domain.SessionRecord) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(record.OutputDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", record.OutputDir, err)
	}

	w := &roomWatch{
		record:  record,
		watcher: watcher,
		done:    make(chan struct{}),
		status:  PlaylistStatus{SessionID: record.SessionID},
	}

	m.mu.Lock()
	previous := m.watches[record.RoomID]
	m.watches[record.RoomID] = w
	m.mu.Unlock()

	if previous != nil {
		previous.close()
	}

	go m.run(w)

	m.logger.Debugw("watching stream output",
		"room_id", record.RoomID,
		"session_id", record.SessionID,
		"dir", record.OutputDir,
	)
	return nil
}

// Unwatch stops following the room. It is a no-op for unknown rooms.
func (m *ManifestWatcher) Unwatch(roomID domain.RoomID) {
	m.mu.Lock()
	w := m.watches[roomID]
	delete(m.watches, roomID)
	m.mu.Unlock()

	if w != nil {
		w.close()
	}
}

// Status returns the latest playlist summary for the room.
func (m *ManifestWatcher) Status(roomID domain.RoomID) (PlaylistStatus, bool) {
	m.mu.Lock()
	w := m.watches[roomID]
	m.mu.Unlock()
	if w == nil {
		return PlaylistStatus{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, true
}

// Rooms lists watched rooms, sorted.
func (m *ManifestWatcher) Rooms() []domain.RoomID {
	m.mu.Lock()
	rooms := make([]domain.RoomID, 0, len(m.watches))
	for id := range m.watches {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Close stops every watch.
func (m *ManifestWatcher) Close() error {
	m.mu.Lock()
	watches := m.watches
	m.watches = make(map[domain.RoomID]*roomWatch)
	m.mu.Unlock()

	for _, w := range watches {
		w.close()
	}
	return nil
}

func (m *ManifestWatcher) run(w *roomWatch) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.scan(w)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// The transcoder writes a temp file and renames it over the manifest.
			if filepath.Base(event.Name) == ManifestName && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				m.scan(w)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warnw("output watcher error",
				"room_id", w.record.RoomID,
				"error", err,
			)
		case <-ticker.C:
			m.scan(w)
		}
	}
}

func (m *ManifestWatcher) scan(w *roomWatch) {
	playlist, err := ReadPlaylist(filepath.Join(w.record.OutputDir, ManifestName))
	if err != nil {
		// Absent until the first segment is cut, or caught mid-write.
		return
	}

	w.mu.Lock()
	becameReady := !w.status.Ready && playlist.Ready()
	w.status.Ready = w.status.Ready || playlist.Ready()
	w.status.MediaSequence = playlist.MediaSequence
	w.status.Segments = len(playlist.Segments)
	w.status.TargetDuration = playlist.TargetDuration
	w.status.UpdatedAt = time.Now()
	w.mu.Unlock()

	if !becameReady {
		return
	}

	select {
	case <-w.done:
		return
	default:
	}

	m.logger.Infow("stream ready",
		"room_id", w.record.RoomID,
		"session_id", w.record.SessionID,
		"playback_url", w.record.PlaybackURL,
		"segments", len(playlist.Segments),
	)

	if m.events == nil {
		return
	}
	err = m.events.Publish(context.Background(), &domain.StreamEvent{
		Type:        domain.EventStreamReady,
		RoomID:      w.record.RoomID,
		SessionID:   w.record.SessionID,
		PlaybackURL: w.record.PlaybackURL,
	})
	if err != nil {
		m.logger.Warnw("failed to publish stream ready event",
			"room_id", w.record.RoomID,
			"error", err,
		)
	}
}
