package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) RoomID() domain.RoomID {
	args := m.Called()
	return args.Get(0).(domain.RoomID)
}

func (m *MockRouter) Capabilities() domain.RTPCapabilities {
	args := m.Called()
	return args.Get(0).(domain.RTPCapabilities)
}

func (m *MockRouter) Track(id domain.TrackID) (domain.Track, bool) {
	args := m.Called(id)
	return args.Get(0).(domain.Track), args.Bool(1)
}

func (m *MockRouter) Tracks() []domain.Track {
	args := m.Called()
	return args.Get(0).([]domain.Track)
}

func (m *MockRouter) CreateRelayTransport(ctx context.Context, listenIP string) (ports.RelayTransport, error) {
	args := m.Called(ctx, listenIP)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.RelayTransport), args.Error(1)
}

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) ID() string {
	return "mock-transport"
}

func (m *MockTransport) Connect(ctx context.Context, ip string, port int) error {
	args := m.Called(ctx, ip, port)
	return args.Error(0)
}

func (m *MockTransport) Consume(ctx context.Context, trackID domain.TrackID, caps domain.RTPCapabilities, paused bool) (ports.Consumer, error) {
	args := m.Called(ctx, trackID, caps, paused)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Consumer), args.Error(1)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockPortLeaser struct {
	mock.Mock
}

func (m *MockPortLeaser) Reserve(owner domain.SessionID) (int, error) {
	args := m.Called(owner)
	return args.Int(0), args.Error(1)
}

func (m *MockPortLeaser) Release(port int) {
	m.Called(port)
}

// fakeRouter is an in-memory real-time layer used by supervisor and
// controller tests where call ordering matters more than expectations.
type fakeRouter struct {
	roomID domain.RoomID

	mu         sync.Mutex
	tracks     []domain.Track
	transports []*fakeTransport
	failAt     string // "create", "connect" or "consume"
}

func newFakeRouter(roomID domain.RoomID, tracks ...domain.Track) *fakeRouter {
	return &fakeRouter{roomID: roomID, tracks: tracks}
}

func (r *fakeRouter) RoomID() domain.RoomID { return r.roomID }

func (r *fakeRouter) Capabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPParameters{
		{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
	}}
}

func (r *fakeRouter) Track(id domain.TrackID) (domain.Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Track{}, false
}

func (r *fakeRouter) Tracks() []domain.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Track(nil), r.tracks...)
}

func (r *fakeRouter) setTracks(tracks ...domain.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = tracks
}

func (r *fakeRouter) CreateRelayTransport(ctx context.Context, listenIP string) (ports.RelayTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt == "create" {
		return nil, fmt.Errorf("create refused")
	}
	t := &fakeTransport{router: r, id: fmt.Sprintf("t%d", len(r.transports))}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *fakeRouter) openTransports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := 0
	for _, t := range r.transports {
		if !t.closed.Load() {
			open++
		}
	}
	return open
}

func (r *fakeRouter) consumers() []*fakeConsumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeConsumer
	for _, t := range r.transports {
		if t.consumer != nil {
			out = append(out, t.consumer)
		}
	}
	return out
}

type fakeTransport struct {
	router   *fakeRouter
	id       string
	port     int
	consumer *fakeConsumer
	closed   atomic.Bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Connect(ctx context.Context, ip string, port int) error {
	if t.router.failAt == "connect" {
		return fmt.Errorf("connect refused")
	}
	t.port = port
	return nil
}

func (t *fakeTransport) Consume(ctx context.Context, trackID domain.TrackID, caps domain.RTPCapabilities, paused bool) (ports.Consumer, error) {
	if t.router.failAt == "consume" {
		return nil, fmt.Errorf("consume refused")
	}
	track, ok := t.router.Track(trackID)
	if !ok {
		return nil, domain.ErrTrackNotFound
	}
	params := track.Codec
	params.SSRC = 1000 + uint32(len(t.id))
	c := &fakeConsumer{id: "c-" + t.id, track: track, params: params}
	c.paused.Store(paused)
	t.router.mu.Lock()
	t.consumer = c
	t.router.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

type fakeConsumer struct {
	id        string
	track     domain.Track
	params    domain.RTPParameters
	paused    atomic.Bool
	closed    atomic.Bool
	keyframes atomic.Int32
}

func (c *fakeConsumer) ID() string                       { return c.id }
func (c *fakeConsumer) TrackID() domain.TrackID          { return c.track.ID }
func (c *fakeConsumer) Kind() domain.TrackKind           { return c.track.Kind }
func (c *fakeConsumer) Parameters() domain.RTPParameters { return c.params }

func (c *fakeConsumer) Resume(ctx context.Context) error {
	c.paused.Store(false)
	return nil
}

func (c *fakeConsumer) RequestKeyframe(ctx context.Context) error {
	c.keyframes.Add(1)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

func videoTrack(id string) domain.Track {
	return domain.Track{
		ID:            domain.TrackID(id),
		Kind:          domain.TrackKindVideo,
		ParticipantID: domain.ParticipantID("p-" + id),
		State:         domain.TrackStateActive,
		Codec:         domain.RTPParameters{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
	}
}

func audioTrack(id string) domain.Track {
	return domain.Track{
		ID:            domain.TrackID(id),
		Kind:          domain.TrackKindAudio,
		ParticipantID: domain.ParticipantID("p-" + id),
		State:         domain.TrackStateActive,
		Codec:         domain.RTPParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
	}
}
