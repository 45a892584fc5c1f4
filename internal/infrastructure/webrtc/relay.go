package webrtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

var (
	errTransportClosed     = errors.New("relay transport closed")
	errTransportNotReady   = errors.New("relay transport not connected")
	errUnsupportedCodec    = errors.New("codec not in consumer capabilities")
	errKeyframeUnsupported = errors.New("track cannot request keyframes")
)

// relayTransport sends plain RTP from the room to one local UDP port.
type relayTransport struct {
	id       string
	router   *roomRouter
	listenIP string

	mu        sync.Mutex
	conn      net.Conn
	consumers map[string]*relayConsumer
	closed    bool
}

var _ ports.RelayTransport = (*relayTransport)(nil)

func (t *relayTransport) ID() string {
	return t.id
}

func (t *relayTransport) Connect(ctx context.Context, ip string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if t.conn != nil {
		return fmt.Errorf("relay transport %s already connected", t.id)
	}

	dialer := net.Dialer{LocalAddr: &net.UDPAddr{IP: net.ParseIP(t.listenIP)}}
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to connect relay to %s:%d: %w", ip, port, err)
	}
	t.conn = conn
	return nil
}

func (t *relayTransport) Consume(ctx context.Context, trackID domain.TrackID, caps domain.RTPCapabilities, paused bool) (ports.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	if t.conn == nil {
		t.mu.Unlock()
		return nil, errTransportNotReady
	}
	t.mu.Unlock()

	track, ok := t.router.published(trackID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTrackNotFound, trackID)
	}

	params, err := consumerParameters(track.info.Codec, caps)
	if err != nil {
		return nil, err
	}

	c := &relayConsumer{
		id:        uuid.NewString(),
		track:     track,
		transport: t,
		params:    params,
	}
	c.paused.Store(paused)
	c.awaitKeyframe.Store(track.info.Kind == domain.TrackKindVideo)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	track.addConsumer(c)

	return c, nil
}

func (t *relayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*relayConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	conn := t.conn
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	t.router.removeTransport(t.id)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *relayTransport) send(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errTransportNotReady
	}
	_, err := conn.Write(b)
	return err
}

func (t *relayTransport) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

// consumerParameters maps the publisher's codec onto the payload type the
// consumer side advertises and gives the relayed stream its own SSRC.
func consumerParameters(source domain.RTPParameters, caps domain.RTPCapabilities) (domain.RTPParameters, error) {
	for _, codec := range caps.Codecs {
		if !strings.EqualFold(codec.MimeType, source.MimeType) || codec.ClockRate != source.ClockRate {
			continue
		}
		params := source
		params.PayloadType = codec.PayloadType
		params.SSRC = rand.Uint32()
		params.CNAME = "rillcast"
		if params.FmtpLine == "" {
			params.FmtpLine = codec.FmtpLine
		}
		if params.Channels == 0 {
			params.Channels = codec.Channels
		}
		return params, nil
	}
	return domain.RTPParameters{}, fmt.Errorf("%w: %s", errUnsupportedCodec, source.MimeType)
}

// relayConsumer forwards one track through its transport. While paused it
// drops everything; after a resume, video waits for the next keyframe.
type relayConsumer struct {
	id        string
	track     *publishedTrack
	transport *relayTransport
	params    domain.RTPParameters

	paused        atomic.Bool
	closed        atomic.Bool
	awaitKeyframe atomic.Bool
	sent          atomic.Uint64
	dropped       atomic.Uint64
}

var _ ports.Consumer = (*relayConsumer)(nil)

func (c *relayConsumer) ID() string                       { return c.id }
func (c *relayConsumer) TrackID() domain.TrackID          { return c.track.info.ID }
func (c *relayConsumer) Kind() domain.TrackKind           { return c.track.info.Kind }
func (c *relayConsumer) Parameters() domain.RTPParameters { return c.params }

func (c *relayConsumer) Resume(ctx context.Context) error {
	if c.closed.Load() {
		return errTransportClosed
	}
	c.paused.Store(false)
	return nil
}

func (c *relayConsumer) RequestKeyframe(ctx context.Context) error {
	if c.track.info.Kind != domain.TrackKindVideo {
		return nil
	}
	if c.track.requestKeyframe == nil {
		return errKeyframeUnsupported
	}
	return c.track.requestKeyframe()
}

func (c *relayConsumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.track.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	return nil
}

// write relays packet with the consumer's payload type and SSRC. It reports
// whether the packet was sent.
func (c *relayConsumer) write(packet *rtp.Packet) bool {
	if c.paused.Load() || c.closed.Load() {
		return false
	}
	if c.awaitKeyframe.Load() {
		if !IsKeyframe(c.params.MimeType, packet) {
			c.dropped.Add(1)
			return false
		}
		c.awaitKeyframe.Store(false)
	}

	out := *packet
	out.PayloadType = c.params.PayloadType
	out.SSRC = c.params.SSRC

	buf := c.transport.router.pool.Get()
	defer c.transport.router.pool.Put(buf)

	var raw []byte
	if out.MarshalSize() <= len(buf) {
		n, err := out.MarshalTo(buf)
		if err != nil {
			c.dropped.Add(1)
			return false
		}
		raw = buf[:n]
	} else {
		var err error
		if raw, err = out.Marshal(); err != nil {
			c.dropped.Add(1)
			return false
		}
	}

	// Nothing may be listening yet; the transcoder opens its inputs late.
	if err := c.transport.send(raw); err != nil {
		c.dropped.Add(1)
		return false
	}
	c.sent.Add(1)
	return true
}
