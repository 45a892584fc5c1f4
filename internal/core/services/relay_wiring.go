package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"go.uber.org/zap"
)

// PortLeaser is the subset of PortAllocator used while wiring and tearing down.
type PortLeaser interface {
	Reserve(owner domain.SessionID) (int, error)
	Release(port int)
}

// Relay pulls one track out of the real-time layer as plain RTP sent to Port.
type Relay struct {
	Port      int
	TrackID   domain.TrackID
	Kind      domain.TrackKind
	Transport ports.RelayTransport
	Consumer  ports.Consumer

	closeOnce sync.Once
	closeErr  error
}

func (r *Relay) Parameters() domain.RTPParameters {
	return r.Consumer.Parameters()
}

// Close closes the consumer and the transport. Safe to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.Consumer != nil {
			if err := r.Consumer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close consumer: %w", err))
			}
		}
		if r.Transport != nil {
			if err := r.Transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

type RelayWiring struct {
	listenIP string
	ports    PortLeaser
	logger   *zap.SugaredLogger
}

func NewRelayWiring(listenIP string, ports PortLeaser, logger *zap.SugaredLogger) *RelayWiring {
	return &RelayWiring{
		listenIP: listenIP,
		ports:    ports,
		logger:   logger,
	}
}

// Wire creates a relay transport on the loopback address, points it at port
// and consumes track in a paused state. On failure nothing created here
// survives and the port is released.
func (w *RelayWiring) Wire(ctx context.Context, router ports.Router, track domain.Track, port int) (*Relay, error) {
	transport, err := router.CreateRelayTransport(ctx, w.listenIP)
	if err != nil {
		w.ports.Release(port)
		return nil, fmt.Errorf("%w: create transport for track %s: %w", domain.ErrRelayWireFailure, track.ID, err)
	}

	if err := transport.Connect(ctx, w.listenIP, port); err != nil {
		w.abort(transport, port)
		return nil, fmt.Errorf("%w: connect transport to port %d: %w", domain.ErrRelayWireFailure, port, err)
	}

	consumer, err := transport.Consume(ctx, track.ID, router.Capabilities(), true)
	if err != nil {
		w.abort(transport, port)
		return nil, fmt.Errorf("%w: consume track %s: %w", domain.ErrRelayWireFailure, track.ID, err)
	}

	w.logger.Debugw("relay wired",
		"room_id", router.RoomID(),
		"track_id", track.ID,
		"kind", track.Kind,
		"port", port,
		"transport_id", transport.ID(),
		"consumer_id", consumer.ID(),
	)

	return &Relay{
		Port:      port,
		TrackID:   track.ID,
		Kind:      track.Kind,
		Transport: transport,
		Consumer:  consumer,
	}, nil
}

func (w *RelayWiring) abort(transport ports.RelayTransport, port int) {
	if err := transport.Close(); err != nil {
		w.logger.Warnw("failed to close relay transport after wiring error",
			"transport_id", transport.ID(),
			"error", err,
		)
	}
	w.ports.Release(port)
}
