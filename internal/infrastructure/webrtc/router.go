package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/optimize"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// publishedTrack is one incoming publisher track and its relay consumers.
type publishedTrack struct {
	info            domain.Track
	requestKeyframe func() error

	mu        sync.RWMutex
	consumers map[string]*relayConsumer
}

func (t *publishedTrack) forward(packet *rtp.Packet) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sent := 0
	for _, c := range t.consumers {
		if c.write(packet) {
			sent++
		}
	}
	return sent
}

func (t *publishedTrack) addConsumer(c *relayConsumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[c.id] = c
}

func (t *publishedTrack) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *publishedTrack) consumerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.consumers)
}

// roomRouter holds the tracks published into one room and the relay
// transports reading from them.
type roomRouter struct {
	roomID domain.RoomID
	caps   domain.RTPCapabilities
	pool   *optimize.BytePool
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	tracks     map[domain.TrackID]*publishedTrack
	transports map[string]*relayTransport
}

var _ ports.Router = (*roomRouter)(nil)

func newRoomRouter(roomID domain.RoomID, caps domain.RTPCapabilities, pool *optimize.BytePool, logger *zap.SugaredLogger) *roomRouter {
	return &roomRouter{
		roomID:     roomID,
		caps:       caps,
		pool:       pool,
		logger:     logger,
		tracks:     make(map[domain.TrackID]*publishedTrack),
		transports: make(map[string]*relayTransport),
	}
}

func (r *roomRouter) RoomID() domain.RoomID {
	return r.roomID
}

func (r *roomRouter) Capabilities() domain.RTPCapabilities {
	return r.caps
}

func (r *roomRouter) Track(id domain.TrackID) (domain.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	if !ok {
		return domain.Track{}, false
	}
	return t.info, true
}

// Tracks returns every published track in publish order.
func (r *roomRouter) Tracks() []domain.Track {
	r.mu.RLock()
	tracks := make([]domain.Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t.info)
	}
	r.mu.RUnlock()

	sort.SliceStable(tracks, func(i, j int) bool {
		if tracks[i].PublishedAt.Equal(tracks[j].PublishedAt) {
			return tracks[i].ID < tracks[j].ID
		}
		return tracks[i].PublishedAt.Before(tracks[j].PublishedAt)
	})
	return tracks
}

func (r *roomRouter) CreateRelayTransport(ctx context.Context, listenIP string) (ports.RelayTransport, error) {
	if listenIP == "" {
		return nil, fmt.Errorf("relay transport requires a listen address")
	}
	t := &relayTransport{
		id:        uuid.NewString(),
		router:    r,
		listenIP:  listenIP,
		consumers: make(map[string]*relayConsumer),
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()

	r.logger.Debugw("relay transport created",
		"room_id", r.roomID,
		"transport_id", t.id,
	)
	return t, nil
}

func (r *roomRouter) addTrack(info domain.Track, requestKeyframe func() error) *publishedTrack {
	t := &publishedTrack{
		info:            info,
		requestKeyframe: requestKeyframe,
		consumers:       make(map[string]*relayConsumer),
	}
	r.mu.Lock()
	r.tracks[info.ID] = t
	r.mu.Unlock()
	return t
}

func (r *roomRouter) published(id domain.TrackID) (*publishedTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	return t, ok
}

func (r *roomRouter) setTrackState(id domain.TrackID, state domain.TrackState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[id]
	if !ok {
		return false
	}
	t.info.State = state
	return true
}

func (r *roomRouter) removeTrack(id domain.TrackID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracks, id)
}

// removeParticipant drops every track of the participant and returns their ids.
func (r *roomRouter) removeParticipant(participantID domain.ParticipantID) []domain.TrackID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []domain.TrackID
	for id, t := range r.tracks {
		if t.info.ParticipantID == participantID {
			delete(r.tracks, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *roomRouter) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *roomRouter) transportCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}

func (r *roomRouter) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks) == 0 && len(r.transports) == 0
}

// closeTransports closes every relay transport of the room.
func (r *roomRouter) closeTransports() {
	r.mu.RLock()
	transports := make([]*relayTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	for _, t := range transports {
		_ = t.Close()
	}
}
