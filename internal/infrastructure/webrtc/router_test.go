package webrtc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/pkg/optimize"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) *roomRouter {
	return newRoomRouter("room-1", capabilities(), optimize.NewBytePool(optimize.DefaultPacketSize), zaptest.NewLogger(t).Sugar())
}

func vp8Track(id string, pt uint8) domain.Track {
	return domain.Track{
		ID:            domain.TrackID(id),
		Kind:          domain.TrackKindVideo,
		ParticipantID: "alice",
		State:         domain.TrackStateActive,
		Codec:         domain.RTPParameters{MimeType: "video/VP8", ClockRate: 90000, PayloadType: pt, SSRC: 1111},
		PublishedAt:   time.Now(),
	}
}

func opusTrack(id string) domain.Track {
	return domain.Track{
		ID:            domain.TrackID(id),
		Kind:          domain.TrackKindAudio,
		ParticipantID: "bob",
		State:         domain.TrackStateActive,
		Codec:         domain.RTPParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 109, SSRC: 2222},
		PublishedAt:   time.Now(),
	}
}

func listenUDP(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func receive(t *testing.T, conn *net.UDPConn, wait time.Duration) (*rtp.Packet, bool) {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
		return nil, false
	}
	packet := &rtp.Packet{}
	require.NoError(t, packet.Unmarshal(buf[:n]))
	return packet, true
}

func vp8Packet(seq uint16, key bool) *rtp.Packet {
	frame := byte(0x01)
	if key {
		frame = 0x00
	}
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 120, SequenceNumber: seq, Timestamp: 3000 * uint32(seq), SSRC: 1111},
		Payload: []byte{0x10, frame, 0x9d, 0x01, 0x2a},
	}
}

func TestRoomRouter_RelaysVideoFromKeyframeAfterResume(t *testing.T) {
	router := newTestRouter(t)
	var keyframeRequests atomic.Int32
	track := router.addTrack(vp8Track("v1", 120), func() error {
		keyframeRequests.Add(1)
		return nil
	})
	listener, port := listenUDP(t)
	ctx := context.Background()

	transport, err := router.CreateRelayTransport(ctx, "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, transport.Connect(ctx, "127.0.0.1", port))

	consumer, err := transport.Consume(ctx, "v1", router.Capabilities(), true)
	require.NoError(t, err)
	params := consumer.Parameters()
	assert.Equal(t, uint8(96), params.PayloadType, "payload type comes from the consumer capabilities")
	assert.NotEqual(t, uint32(1111), params.SSRC)
	assert.Equal(t, domain.TrackKindVideo, consumer.Kind())

	assert.Zero(t, track.forward(vp8Packet(1, true)), "paused consumers drop everything")
	_, got := receive(t, listener, 100*time.Millisecond)
	assert.False(t, got)

	require.NoError(t, consumer.Resume(ctx))
	require.NoError(t, consumer.RequestKeyframe(ctx))
	assert.Equal(t, int32(1), keyframeRequests.Load())

	assert.Zero(t, track.forward(vp8Packet(2, false)), "delta frames before the first keyframe are dropped")
	assert.Equal(t, 1, track.forward(vp8Packet(3, true)))
	assert.Equal(t, 1, track.forward(vp8Packet(4, false)))

	first, ok := receive(t, listener, time.Second)
	require.True(t, ok)
	assert.Equal(t, uint16(3), first.SequenceNumber)
	assert.Equal(t, uint8(96), first.PayloadType)
	assert.Equal(t, params.SSRC, first.SSRC)
	assert.Equal(t, []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}, first.Payload)

	second, ok := receive(t, listener, time.Second)
	require.True(t, ok)
	assert.Equal(t, uint16(4), second.SequenceNumber)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.Zero(t, track.consumerCount())
	assert.Zero(t, router.transportCount())
	assert.Zero(t, track.forward(vp8Packet(5, true)))
}

func TestRoomRouter_AudioIsNotGated(t *testing.T) {
	router := newTestRouter(t)
	track := router.addTrack(opusTrack("a1"), nil)
	listener, port := listenUDP(t)
	ctx := context.Background()

	transport, err := router.CreateRelayTransport(ctx, "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, transport.Connect(ctx, "127.0.0.1", port))
	consumer, err := transport.Consume(ctx, "a1", router.Capabilities(), false)
	require.NoError(t, err)
	assert.Equal(t, uint8(111), consumer.Parameters().PayloadType)
	assert.NoError(t, consumer.RequestKeyframe(ctx), "audio ignores keyframe requests")

	track.forward(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 109, SequenceNumber: 7, SSRC: 2222},
		Payload: []byte{0xfc, 0xff, 0xfe},
	})
	packet, ok := receive(t, listener, time.Second)
	require.True(t, ok)
	assert.Equal(t, uint8(111), packet.PayloadType)
	assert.Equal(t, uint16(7), packet.SequenceNumber)
}

func TestRoomRouter_ConsumeErrors(t *testing.T) {
	router := newTestRouter(t)
	router.addTrack(vp8Track("v1", 96), nil)
	ctx := context.Background()

	transport, err := router.CreateRelayTransport(ctx, "127.0.0.1")
	require.NoError(t, err)

	_, err = transport.Consume(ctx, "v1", router.Capabilities(), true)
	assert.ErrorIs(t, err, errTransportNotReady)

	_, port := listenUDP(t)
	require.NoError(t, transport.Connect(ctx, "127.0.0.1", port))

	_, err = transport.Consume(ctx, "missing", router.Capabilities(), true)
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)

	_, err = transport.Consume(ctx, "v1", domain.RTPCapabilities{}, true)
	assert.ErrorIs(t, err, errUnsupportedCodec)

	require.NoError(t, transport.Close())
	_, err = transport.Consume(ctx, "v1", router.Capabilities(), true)
	assert.ErrorIs(t, err, errTransportClosed)
}

func TestRoomRouter_TracksInPublishOrder(t *testing.T) {
	router := newTestRouter(t)
	now := time.Now()

	late := vp8Track("late", 96)
	late.PublishedAt = now.Add(time.Second)
	early := opusTrack("early")
	early.PublishedAt = now

	router.addTrack(late, nil)
	router.addTrack(early, nil)

	tracks := router.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, domain.TrackID("early"), tracks[0].ID)
	assert.Equal(t, domain.TrackID("late"), tracks[1].ID)

	assert.Equal(t, []domain.TrackID{"early"}, router.removeParticipant("bob"))
	_, ok := router.Track("early")
	assert.False(t, ok)
}

type scriptedReader struct {
	packets [][]byte
}

func (r *scriptedReader) Read(b []byte) (int, interceptor.Attributes, error) {
	if len(r.packets) == 0 {
		return 0, nil, io.EOF
	}
	n := copy(b, r.packets[0])
	r.packets = r.packets[1:]
	return n, nil, nil
}

func TestSFUService_ReadTrackClosesTrackAtEOF(t *testing.T) {
	sfu, err := NewSFUService(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer sfu.Close()

	router := sfu.room("room-1")
	track := router.addTrack(opusTrack("a1"), nil)
	listener, port := listenUDP(t)
	ctx := context.Background()

	transport, err := router.CreateRelayTransport(ctx, "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, transport.Connect(ctx, "127.0.0.1", port))
	_, err = transport.Consume(ctx, "a1", router.Capabilities(), false)
	require.NoError(t, err)

	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 109, SequenceNumber: 1, SSRC: 2222},
		Payload: []byte{0x01},
	}).Marshal()
	require.NoError(t, err)

	sfu.readTrack(router, track, &scriptedReader{packets: [][]byte{raw, {0x00}}})

	_, ok := receive(t, listener, time.Second)
	assert.True(t, ok)
	info, found := router.Track("a1")
	require.True(t, found)
	assert.Equal(t, domain.TrackStateClosed, info.State)
	assert.False(t, info.Eligible())
}

type recordingHandler struct {
	left atomic.Int32
}

func (h *recordingHandler) OnTrackPublished(context.Context, domain.RoomID, domain.TrackID) {}

func (h *recordingHandler) OnParticipantLeft(context.Context, domain.RoomID, domain.ParticipantID) {
	h.left.Add(1)
}

func TestSFUService_RouterLookupAndParticipantLeave(t *testing.T) {
	sfu, err := NewSFUService(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer sfu.Close()
	handler := &recordingHandler{}
	sfu.SetEventHandler(handler)

	_, err = sfu.Router("room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	sfu.room("room-1").addTrack(vp8Track("v1", 96), nil)
	r, err := sfu.Router("room-1")
	require.NoError(t, err)
	assert.Len(t, r.Tracks(), 1)
	assert.Equal(t, []domain.RoomID{"room-1"}, sfu.Rooms())

	require.NoError(t, sfu.RemoveParticipant(context.Background(), "room-1", "alice"))
	assert.Equal(t, int32(1), handler.left.Load())
	_, err = sfu.Router("room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound, "empty rooms are forgotten")

	require.NoError(t, sfu.RemoveParticipant(context.Background(), "room-1", "alice"))
	assert.Equal(t, int32(1), handler.left.Load())
}
