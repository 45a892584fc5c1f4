package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type StreamControllerConfig struct {
	OutputDir     string
	PublicBaseURL string
	ListenIP      string
	StopGrace     time.Duration
}

// OutputWatcher follows a session's output directory until the first
// playable manifest appears.
type OutputWatcher interface {
	Watch(ctx context.Context, record domain.SessionRecord) error
	Unwatch(roomID domain.RoomID)
}

// StreamSession is the live composition of one room.
type StreamSession struct {
	ID          domain.SessionID
	RoomID      domain.RoomID
	Layout      Layout
	VideoTracks []domain.TrackID
	AudioTrack  domain.TrackID
	// Requested is the explicit selection the session was started with,
	// nil when it follows every track of the room.
	Requested   []domain.TrackID
	Descriptors []string
	OutputDir   string
	PlaybackURL string
	StartedAt   time.Time

	handle *ProcessHandle
}

func (s *StreamSession) Record() domain.SessionRecord {
	return domain.SessionRecord{
		SessionID:   s.ID,
		RoomID:      s.RoomID,
		State:       s.handle.State(),
		Layout:      s.Layout.Name,
		VideoTracks: append([]domain.TrackID(nil), s.VideoTracks...),
		AudioTrack:  s.AudioTrack,
		PlaybackURL: s.PlaybackURL,
		OutputDir:   s.OutputDir,
		StartedAt:   s.StartedAt,
	}
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// RoomStreamController owns at most one composition per room. Calls for the
// same room are serialized; different rooms proceed in parallel.
type RoomStreamController struct {
	config      StreamControllerConfig
	routers     ports.RouterProvider
	ports       PortLeaser
	wiring      *RelayWiring
	descriptors *DescriptorBuilder
	args        *FFmpegArgsBuilder
	supervisor  *ProcessSupervisor
	logger      *zap.SugaredLogger

	repo    ports.SessionRepository
	events  ports.EventPublisher
	metrics ports.CompositionMetrics
	watcher OutputWatcher

	locksMu sync.Mutex
	locks   map[domain.RoomID]*roomLock

	mu       sync.RWMutex
	sessions map[domain.RoomID]*StreamSession
}

func NewRoomStreamController(
	config StreamControllerConfig,
	routers ports.RouterProvider,
	leaser PortLeaser,
	args *FFmpegArgsBuilder,
	supervisor *ProcessSupervisor,
	logger *zap.SugaredLogger,
) *RoomStreamController {
	if config.ListenIP == "" {
		config.ListenIP = "127.0.0.1"
	}
	return &RoomStreamController{
		config:      config,
		routers:     routers,
		ports:       leaser,
		wiring:      NewRelayWiring(config.ListenIP, leaser, logger),
		descriptors: NewDescriptorBuilder(config.ListenIP),
		args:        args,
		supervisor:  supervisor,
		logger:      logger,
		metrics:     NoopMetrics{},
		locks:       make(map[domain.RoomID]*roomLock),
		sessions:    make(map[domain.RoomID]*StreamSession),
	}
}

func (c *RoomStreamController) SetRepository(repo ports.SessionRepository) { c.repo = repo }
func (c *RoomStreamController) SetEventPublisher(p ports.EventPublisher)   { c.events = p }
func (c *RoomStreamController) SetOutputWatcher(w OutputWatcher)           { c.watcher = w }

func (c *RoomStreamController) SetMetrics(m ports.CompositionMetrics) {
	if m == nil {
		m = NoopMetrics{}
	}
	c.metrics = m
}

func (c *RoomStreamController) lockRoom(roomID domain.RoomID) func() {
	c.locksMu.Lock()
	l, ok := c.locks[roomID]
	if !ok {
		l = &roomLock{}
		c.locks[roomID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, roomID)
		}
		c.locksMu.Unlock()
	}
}

// StartOrReplace stops any composition of the room and starts a new one over
// the referenced tracks, or over every track of the room when refs is empty.
// It returns the playback URL.
func (c *RoomStreamController) StartOrReplace(ctx context.Context, roomID domain.RoomID, refs []domain.TrackRef) (string, error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "start", string(roomID))
	defer span.End()

	unlock := c.lockRoom(roomID)
	defer unlock()

	if err := c.stopLocked(ctx, roomID, "replaced"); err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}

	router, err := c.routers.Router(roomID)
	if err != nil {
		return "", c.startFailed(ctx, roomID, err)
	}

	tracks, requested, err := c.resolve(roomID, router, refs)
	if err != nil {
		return "", c.startFailed(ctx, roomID, err)
	}

	return c.startLocked(ctx, router, tracks, requested)
}

// resolve turns the requested references into tracks. Tracks that left the
// room since the request was made are skipped.
func (c *RoomStreamController) resolve(roomID domain.RoomID, router ports.Router, refs []domain.TrackRef) ([]domain.Track, []domain.TrackID, error) {
	if len(refs) == 0 {
		return router.Tracks(), nil, nil
	}

	tracks := make([]domain.Track, 0, len(refs))
	requested := make([]domain.TrackID, 0, len(refs))
	for _, ref := range refs {
		track, err := domain.ResolveTrack(ref, router)
		if errors.Is(err, domain.ErrTrackNotFound) {
			c.logger.Warnw("skipping unknown track",
				"room_id", roomID,
				"track_id", ref.ID(),
			)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		tracks = append(tracks, track)
		requested = append(requested, track.ID)
	}
	return tracks, requested, nil
}

func (c *RoomStreamController) startLocked(ctx context.Context, router ports.Router, tracks []domain.Track, requested []domain.TrackID) (string, error) {
	roomID := router.RoomID()
	started := time.Now()

	videos, audio := SelectTracks(tracks)
	if len(videos) == 0 && audio == nil {
		return "", c.startFailed(ctx, roomID, fmt.Errorf("room %s: %w", roomID, domain.ErrNoEligibleTracks))
	}

	sessionID := domain.SessionID(uuid.NewString())
	tracing.AddSpanAttributes(ctx,
		tracing.SessionIDKey.String(string(sessionID)),
		tracing.TrackCountKey.Int(len(videos)+boolToInt(audio != nil)),
	)

	dir := c.outputDir(roomID)
	if err := prepareOutputDir(dir); err != nil {
		return "", c.startFailed(ctx, roomID, err)
	}

	selected := append([]domain.Track(nil), videos...)
	if audio != nil {
		selected = append(selected, *audio)
	}

	var relays []*Relay
	unwind := func() {
		for _, r := range relays {
			if err := r.Close(); err != nil {
				c.logger.Warnw("failed to close relay during unwind",
					"room_id", roomID,
					"track_id", r.TrackID,
					"error", err,
				)
			}
			c.ports.Release(r.Port)
		}
	}

	for _, track := range selected {
		port, err := c.ports.Reserve(sessionID)
		if err != nil {
			unwind()
			return "", c.startFailed(ctx, roomID, err)
		}
		relay, err := c.wiring.Wire(ctx, router, track, port)
		if err != nil {
			unwind()
			return "", c.startFailed(ctx, roomID, err)
		}
		relays = append(relays, relay)
	}

	var (
		descriptors []string
		inputs      Inputs
	)
	for _, relay := range relays {
		path, err := c.descriptors.Write(dir, relay)
		if err != nil {
			removeFiles(descriptors)
			unwind()
			return "", c.startFailed(ctx, roomID, err)
		}
		descriptors = append(descriptors, path)
		if relay.Kind == domain.TrackKindVideo {
			inputs.Videos = append(inputs.Videos, filepath.Base(path))
		} else {
			inputs.Audio = filepath.Base(path)
		}
	}

	layout, err := PlanLayout(len(videos), c.args.Canvas)
	if err != nil {
		removeFiles(descriptors)
		unwind()
		return "", c.startFailed(ctx, roomID, err)
	}
	tracing.AddSpanAttributes(ctx, tracing.LayoutKey.String(layout.Name))

	handle, err := c.supervisor.Spawn(ctx, SpawnRequest{
		SessionID: sessionID,
		RoomID:    roomID,
		Args:      c.args.Build(inputs, layout),
		Dir:       dir,
		Relays:    relays,
		Ports:     c.ports,
		OnExit:    c.handleExit,
	})
	if err != nil {
		// The supervisor already released relays and ports.
		removeFiles(descriptors)
		return "", c.startFailed(ctx, roomID, err)
	}

	session := &StreamSession{
		ID:          sessionID,
		RoomID:      roomID,
		Layout:      layout,
		Requested:   requested,
		Descriptors: descriptors,
		OutputDir:   dir,
		PlaybackURL: c.PlaybackURL(roomID),
		StartedAt:   started,
		handle:      handle,
	}
	for _, v := range videos {
		session.VideoTracks = append(session.VideoTracks, v.ID)
	}
	if audio != nil {
		session.AudioTrack = audio.ID
	}

	c.mu.Lock()
	c.sessions[roomID] = session
	c.mu.Unlock()

	record := session.Record()
	c.save(ctx, &record)
	if c.watcher != nil {
		if err := c.watcher.Watch(ctx, record); err != nil {
			c.logger.Warnw("failed to watch output directory",
				"room_id", roomID,
				"dir", dir,
				"error", err,
			)
		}
	}
	c.publish(ctx, &domain.StreamEvent{
		Type:        domain.EventStreamStarted,
		RoomID:      roomID,
		SessionID:   sessionID,
		PlaybackURL: session.PlaybackURL,
	})
	c.metrics.SessionStarted(roomID, layout.Name, time.Since(started))

	c.logger.Infow("stream started",
		"room_id", roomID,
		"session_id", sessionID,
		"layout", layout.Name,
		"video_tracks", session.VideoTracks,
		"audio_track", session.AudioTrack,
		"playback_url", session.PlaybackURL,
		"duration", time.Since(started),
	)

	return session.PlaybackURL, nil
}

func (c *RoomStreamController) startFailed(ctx context.Context, roomID domain.RoomID, err error) error {
	reason := FailureReason(err)
	tracing.RecordError(ctx, err)
	c.metrics.StartFailed(roomID, reason)
	c.logger.Errorw("failed to start stream",
		"room_id", roomID,
		"reason", reason,
		"error", err,
	)
	return err
}

// Stop ends the room's composition. Stopping a room with nothing running is
// a no-op.
func (c *RoomStreamController) Stop(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.TraceStreamOperation(ctx, "stop", string(roomID))
	defer span.End()

	unlock := c.lockRoom(roomID)
	defer unlock()

	if err := c.stopLocked(ctx, roomID, "stopped"); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (c *RoomStreamController) stopLocked(ctx context.Context, roomID domain.RoomID, reason string) error {
	c.mu.Lock()
	session, ok := c.sessions[roomID]
	delete(c.sessions, roomID)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	if c.watcher != nil {
		c.watcher.Unwatch(roomID)
	}

	err := c.supervisor.Stop(session.handle, c.config.StopGrace)
	removeFiles(session.Descriptors)

	record := session.Record()
	record.State = domain.SessionExited
	record.EndedAt = time.Now()
	record.ExitReason = reason
	c.save(ctx, &record)
	c.publish(ctx, &domain.StreamEvent{
		Type:      domain.EventStreamEnded,
		RoomID:    roomID,
		SessionID: session.ID,
		Reason:    reason,
	})

	c.logger.Infow("stream stopped",
		"room_id", roomID,
		"session_id", session.ID,
		"reason", reason,
		"uptime", time.Since(session.StartedAt),
	)

	if err != nil {
		return fmt.Errorf("failed to stop session %s: %w", session.ID, err)
	}
	return nil
}

// handleExit drops a session whose process died on its own. The supervisor
// has already released its relays and ports. Taking the room lock makes it
// wait for a start in progress to register the session first.
func (c *RoomStreamController) handleExit(h *ProcessHandle, exitErr error) {
	if exitErr == nil {
		return
	}

	unlock := c.lockRoom(h.RoomID)
	defer unlock()

	c.mu.Lock()
	session, ok := c.sessions[h.RoomID]
	if ok && session.ID == h.SessionID {
		delete(c.sessions, h.RoomID)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	if c.watcher != nil {
		c.watcher.Unwatch(h.RoomID)
	}
	removeFiles(session.Descriptors)

	ctx := context.Background()
	record := session.Record()
	record.EndedAt = time.Now()
	record.ExitReason = exitErr.Error()
	c.save(ctx, &record)
	c.publish(ctx, &domain.StreamEvent{
		Type:      domain.EventStreamFailed,
		RoomID:    h.RoomID,
		SessionID: h.SessionID,
		Reason:    exitErr.Error(),
	})
}

// Status reports whether the room has a composition whose process is alive.
func (c *RoomStreamController) Status(roomID domain.RoomID) bool {
	c.mu.RLock()
	session, ok := c.sessions[roomID]
	c.mu.RUnlock()
	return ok && !session.handle.Exited()
}

// Session returns a snapshot of the room's composition.
func (c *RoomStreamController) Session(roomID domain.RoomID) (domain.SessionRecord, bool) {
	c.mu.RLock()
	session, ok := c.sessions[roomID]
	c.mu.RUnlock()
	if !ok {
		return domain.SessionRecord{}, false
	}
	return session.Record(), true
}

// PlaybackURL is the manifest URL of the room, whether or not it is streaming.
func (c *RoomStreamController) PlaybackURL(roomID domain.RoomID) string {
	return strings.TrimRight(c.config.PublicBaseURL, "/") + "/" + string(roomID) + "/" + ManifestName
}

func (c *RoomStreamController) outputDir(roomID domain.RoomID) string {
	return filepath.Join(c.config.OutputDir, string(roomID))
}

// Refresh re-plans a running composition from the room's current tracks. It
// stops the composition once nothing eligible is left and does nothing when
// the selection is unchanged or the room is not streaming.
func (c *RoomStreamController) Refresh(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.TraceStreamOperation(ctx, "refresh", string(roomID))
	defer span.End()

	unlock := c.lockRoom(roomID)
	defer unlock()

	c.mu.RLock()
	session, ok := c.sessions[roomID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	router, err := c.routers.Router(roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return c.stopLocked(ctx, roomID, "room_closed")
	}
	if err != nil {
		return err
	}

	tracks := router.Tracks()
	if session.Requested != nil {
		tracks = tracks[:0:0]
		for _, id := range session.Requested {
			if t, found := router.Track(id); found {
				tracks = append(tracks, t)
			}
		}
	}

	videos, audio := SelectTracks(tracks)
	if len(videos) == 0 && audio == nil {
		return c.stopLocked(ctx, roomID, "no_eligible_tracks")
	}
	if sameSelection(session, videos, audio) && !session.handle.Exited() {
		return nil
	}

	c.logger.Infow("room inputs changed, restarting stream",
		"room_id", roomID,
		"session_id", session.ID,
	)
	if err := c.stopLocked(ctx, roomID, "replaced"); err != nil {
		return err
	}
	_, err = c.startLocked(ctx, router, tracks, session.Requested)
	return err
}

func sameSelection(s *StreamSession, videos []domain.Track, audio *domain.Track) bool {
	ids := make([]domain.TrackID, 0, len(videos))
	for _, v := range videos {
		ids = append(ids, v.ID)
	}
	var audioID domain.TrackID
	if audio != nil {
		audioID = audio.ID
	}
	return slices.Equal(ids, s.VideoTracks) && audioID == s.AudioTrack
}

func (c *RoomStreamController) OnTrackPublished(ctx context.Context, roomID domain.RoomID, trackID domain.TrackID) {
	c.publish(ctx, &domain.StreamEvent{
		Type:    domain.EventTrackPublished,
		RoomID:  roomID,
		TrackID: trackID,
	})
	if err := c.Refresh(ctx, roomID); err != nil {
		c.logger.Errorw("failed to refresh stream after track published",
			"room_id", roomID,
			"track_id", trackID,
			"error", err,
		)
	}
}

func (c *RoomStreamController) OnParticipantLeft(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) {
	c.publish(ctx, &domain.StreamEvent{
		Type:          domain.EventParticipantLeft,
		RoomID:        roomID,
		ParticipantID: participantID,
	})
	if err := c.Refresh(ctx, roomID); err != nil {
		c.logger.Errorw("failed to refresh stream after participant left",
			"room_id", roomID,
			"participant_id", participantID,
			"error", err,
		)
	}
}

// Sessions returns a snapshot of every composition, ordered by room.
func (c *RoomStreamController) Sessions() []domain.SessionRecord {
	c.mu.RLock()
	records := make([]domain.SessionRecord, 0, len(c.sessions))
	for _, s := range c.sessions {
		records = append(records, s.Record())
	}
	c.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].RoomID < records[j].RoomID })
	return records
}

// Shutdown stops every room.
func (c *RoomStreamController) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	rooms := make([]domain.RoomID, 0, len(c.sessions))
	for roomID := range c.sessions {
		rooms = append(rooms, roomID)
	}
	c.mu.RUnlock()

	var errs []error
	for _, roomID := range rooms {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.Stop(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *RoomStreamController) save(ctx context.Context, record *domain.SessionRecord) {
	if c.repo == nil {
		return
	}
	if err := c.repo.Save(ctx, record); err != nil {
		c.logger.Warnw("failed to save session record",
			"room_id", record.RoomID,
			"session_id", record.SessionID,
			"error", err,
		)
	}
}

func (c *RoomStreamController) publish(ctx context.Context, event *domain.StreamEvent) {
	if c.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warnw("failed to publish stream event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}

// FailureReason maps a start error onto a short metric label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoEligibleTracks):
		return "no_eligible_tracks"
	case errors.Is(err, domain.ErrNoPortsAvailable):
		return "no_ports"
	case errors.Is(err, domain.ErrRelayWireFailure):
		return "relay_wire"
	case errors.Is(err, domain.ErrProcessSpawnFailure):
		return "spawn"
	case errors.Is(err, domain.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, domain.ErrInvalidTrackRef), errors.Is(err, domain.ErrInvalidLayout):
		return "invalid_request"
	default:
		return "other"
	}
}

var staleOutputPatterns = []string{"*.ts", "*.m3u8", "*.sdp", "*.tmp"}

// prepareOutputDir creates dir and removes leftovers of earlier sessions.
func prepareOutputDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	for _, pattern := range staleOutputPatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to purge %s: %w", m, err)
			}
		}
	}
	return nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
