package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/optimize"
	"rillcast/pkg/tracing"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the publisher-side WebRTC configuration.
type Config struct {
	ICEServers  []webrtc.ICEServer
	PortMin     uint16
	PortMax     uint16
	PLIInterval time.Duration
	// GatherTimeout bounds ICE gathering while answering an offer.
	GatherTimeout time.Duration
}

// SFUService terminates publisher peer connections and exposes every room's
// tracks to the composition controller as a ports.Router.
type SFUService struct {
	config Config
	api    *webrtc.API
	caps   domain.RTPCapabilities
	pool   *optimize.BytePool

	handler ports.RoomEventHandler

	mu         sync.RWMutex
	rooms      map[domain.RoomID]*roomRouter
	publishers map[publisherKey]*publisher

	logger *zap.SugaredLogger
}

type publisherKey struct {
	roomID        domain.RoomID
	participantID domain.ParticipantID
}

// publisher is one participant's connection into a room.
type publisher struct {
	ParticipantID domain.ParticipantID
	RoomID        domain.RoomID
	PC            *webrtc.PeerConnection
	CreatedAt     time.Time
}

var (
	_ ports.RouterProvider   = (*SFUService)(nil)
	_ ports.PublisherService = (*SFUService)(nil)
)

// NewSFUService creates a new SFU service
func NewSFUService(config Config, logger *zap.SugaredLogger) (*SFUService, error) {
	api, err := newAPI(config)
	if err != nil {
		return nil, err
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 5 * time.Second
	}
	return &SFUService{
		config:     config,
		api:        api,
		caps:       capabilities(),
		pool:       optimize.NewBytePool(optimize.DefaultPacketSize),
		rooms:      make(map[domain.RoomID]*roomRouter),
		publishers: make(map[publisherKey]*publisher),
		logger:     logger,
	}, nil
}

// SetEventHandler registers the receiver of track and participant changes.
func (s *SFUService) SetEventHandler(h ports.RoomEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *SFUService) eventHandler() ports.RoomEventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// Router returns the room's router. Rooms exist once a publisher connected.
func (s *SFUService) Router(roomID domain.RoomID) (ports.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrRoomNotFound)
	}
	return r, nil
}

// Rooms lists rooms with at least one publisher, sorted.
func (s *SFUService) Rooms() []domain.RoomID {
	s.mu.RLock()
	rooms := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (s *SFUService) room(roomID domain.RoomID) *roomRouter {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoomRouter(roomID, s.caps, s.pool, s.logger)
		s.rooms[roomID] = r
	}
	return r
}

// HandlePublisherOffer answers a publisher's offer. Tracks show up in the
// room as they start arriving.
func (s *SFUService) HandlePublisherOffer(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TracePublisher(ctx, "offer", string(roomID), string(participantID))
	defer span.End()

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.config.ICEServers})
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	router := s.room(roomID)
	pc.OnTrack(s.handlePublisherTrack(router, participantID, pc))
	pc.OnConnectionStateChange(s.handleConnectionState(roomID, participantID, pc))

	answer, err := s.negotiate(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, err
	}

	key := publisherKey{roomID: roomID, participantID: participantID}
	s.mu.Lock()
	previous := s.publishers[key]
	s.publishers[key] = &publisher{
		ParticipantID: participantID,
		RoomID:        roomID,
		PC:            pc,
		CreatedAt:     time.Now(),
	}
	s.mu.Unlock()

	if previous != nil {
		s.logger.Infow("publisher reconnected, closing previous connection",
			"room_id", roomID,
			"participant_id", participantID,
		)
		_ = previous.PC.Close()
	}

	s.logger.Infow("publisher connected",
		"room_id", roomID,
		"participant_id", participantID,
	)
	return answer, nil
}

func (s *SFUService) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(s.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		s.logger.Warnw("ice gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	return *pc.LocalDescription(), nil
}

func (s *SFUService) handlePublisherTrack(router *roomRouter, participantID domain.ParticipantID, pc *webrtc.PeerConnection) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		codec := remote.Codec()
		params := toDomainParameters(codec)
		params.SSRC = uint32(remote.SSRC())

		info := domain.Track{
			ID:            domain.TrackID(fmt.Sprintf("%s-%s", participantID, remote.ID())),
			Kind:          trackKind(remote.Kind()),
			ParticipantID: participantID,
			State:         domain.TrackStateActive,
			Codec:         params,
			PublishedAt:   time.Now(),
		}

		ssrc := uint32(remote.SSRC())
		track := router.addTrack(info, func() error {
			return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		})

		s.logger.Infow("publisher track started",
			"room_id", router.roomID,
			"participant_id", participantID,
			"track_id", info.ID,
			"codec", codec.MimeType,
		)

		go s.drainRTCP(receiver)
		go s.readTrack(router, track, remote)

		if h := s.eventHandler(); h != nil {
			go h.OnTrackPublished(context.Background(), router.roomID, info.ID)
		}
	}
}

// rtpReader is the part of webrtc.TrackRemote the forwarding loop needs.
type rtpReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

// readTrack forwards packets to the track's consumers until the publisher
// stops sending.
func (s *SFUService) readTrack(router *roomRouter, track *publishedTrack, src rtpReader) {
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	packet := &rtp.Packet{}
	var forwarded uint64
	for {
		n, _, err := src.Read(buf)
		if err != nil {
			s.logger.Debugw("publisher track ended",
				"room_id", router.roomID,
				"track_id", track.info.ID,
				"packets", forwarded,
				"error", err,
			)
			break
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		track.forward(packet)
		forwarded++
	}

	router.setTrackState(track.info.ID, domain.TrackStateClosed)
}

// drainRTCP keeps the interceptor chain running for the receiver.
func (s *SFUService) drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := s.pool.Get()
	defer s.pool.Put(buf)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func (s *SFUService) handleConnectionState(roomID domain.RoomID, participantID domain.ParticipantID, pc *webrtc.PeerConnection) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		s.logger.Infow("publisher connection state changed",
			"room_id", roomID,
			"participant_id", participantID,
			"connection_state", state.String(),
		)

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.mu.RLock()
			current := s.publishers[publisherKey{roomID: roomID, participantID: participantID}]
			s.mu.RUnlock()
			// A replaced connection closing must not evict its successor.
			if current != nil && current.PC == pc {
				go func() {
					_ = s.RemoveParticipant(context.Background(), roomID, participantID)
				}()
			}
		}
	}
}

// RemoveParticipant closes the participant's connection and drops its tracks.
func (s *SFUService) RemoveParticipant(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error {
	key := publisherKey{roomID: roomID, participantID: participantID}

	s.mu.Lock()
	pub, ok := s.publishers[key]
	delete(s.publishers, key)
	router := s.rooms[roomID]
	s.mu.Unlock()

	if !ok && router == nil {
		return nil
	}

	if pub != nil {
		if err := pub.PC.Close(); err != nil {
			s.logger.Warnw("failed to close publisher connection",
				"room_id", roomID,
				"participant_id", participantID,
				"error", err,
			)
		}
	}

	var removed []domain.TrackID
	if router != nil {
		removed = router.removeParticipant(participantID)
		s.dropRoomIfEmpty(roomID)
	}

	s.logger.Infow("participant left",
		"room_id", roomID,
		"participant_id", participantID,
		"tracks", len(removed),
	)

	if h := s.eventHandler(); h != nil {
		h.OnParticipantLeft(ctx, roomID, participantID)
	}
	return nil
}

// dropRoomIfEmpty forgets a room once it has neither tracks nor relays.
func (s *SFUService) dropRoomIfEmpty(roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.empty() {
		return
	}
	for key := range s.publishers {
		if key.roomID == roomID {
			return
		}
	}
	delete(s.rooms, roomID)
}

// Close closes every publisher connection and relay.
func (s *SFUService) Close() error {
	s.mu.Lock()
	publishers := s.publishers
	rooms := s.rooms
	s.publishers = make(map[publisherKey]*publisher)
	s.rooms = make(map[domain.RoomID]*roomRouter)
	s.mu.Unlock()

	for _, p := range publishers {
		_ = p.PC.Close()
	}
	for _, r := range rooms {
		r.closeTransports()
	}
	return nil
}
