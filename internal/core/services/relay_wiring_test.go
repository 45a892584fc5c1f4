package services

import (
	"context"
	"errors"
	"testing"

	"rillcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRelayWiring_WireConsumesPaused(t *testing.T) {
	ctx := context.Background()
	router := newFakeRouter("room-1", videoTrack("v1"))
	leaser := new(MockPortLeaser)
	w := NewRelayWiring("127.0.0.1", leaser, zaptest.NewLogger(t).Sugar())

	relay, err := w.Wire(ctx, router, videoTrack("v1"), 20000)
	require.NoError(t, err)

	assert.Equal(t, 20000, relay.Port)
	assert.Equal(t, domain.TrackID("v1"), relay.TrackID)
	assert.Equal(t, domain.TrackKindVideo, relay.Kind)

	consumer := router.consumers()[0]
	assert.True(t, consumer.paused.Load())
	assert.Equal(t, 20000, router.transports[0].port)
	leaser.AssertNotCalled(t, "Release", mock.Anything)
}

func TestRelayWiring_FailureUnwinds(t *testing.T) {
	ctx := context.Background()
	track := videoTrack("v1")

	tests := []struct {
		name           string
		setup          func(r *MockRouter, tr *MockTransport)
		transportClose bool
	}{
		{
			name: "create transport fails",
			setup: func(r *MockRouter, tr *MockTransport) {
				r.On("CreateRelayTransport", ctx, "127.0.0.1").Return(nil, errors.New("boom"))
			},
		},
		{
			name: "connect fails",
			setup: func(r *MockRouter, tr *MockTransport) {
				r.On("CreateRelayTransport", ctx, "127.0.0.1").Return(tr, nil)
				tr.On("Connect", ctx, "127.0.0.1", 20000).Return(errors.New("boom"))
				tr.On("Close").Return(nil).Once()
			},
			transportClose: true,
		},
		{
			name: "consume fails",
			setup: func(r *MockRouter, tr *MockTransport) {
				r.On("CreateRelayTransport", ctx, "127.0.0.1").Return(tr, nil)
				r.On("Capabilities").Return(domain.RTPCapabilities{})
				tr.On("Connect", ctx, "127.0.0.1", 20000).Return(nil)
				tr.On("Consume", ctx, track.ID, domain.RTPCapabilities{}, true).Return(nil, errors.New("boom"))
				tr.On("Close").Return(nil).Once()
			},
			transportClose: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := new(MockRouter)
			transport := new(MockTransport)
			leaser := new(MockPortLeaser)
			leaser.On("Release", 20000).Once()
			tt.setup(router, transport)

			w := NewRelayWiring("127.0.0.1", leaser, zaptest.NewLogger(t).Sugar())
			relay, err := w.Wire(ctx, router, track, 20000)

			assert.Nil(t, relay)
			assert.ErrorIs(t, err, domain.ErrRelayWireFailure)
			leaser.AssertExpectations(t)
			if tt.transportClose {
				transport.AssertCalled(t, "Close")
			} else {
				transport.AssertNotCalled(t, "Close")
			}
		})
	}
}

func TestRelay_CloseIsIdempotent(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Close").Return(nil).Once()
	consumer := &fakeConsumer{id: "c1", track: videoTrack("v1")}

	relay := &Relay{Port: 20000, TrackID: "v1", Transport: transport, Consumer: consumer}
	require.NoError(t, relay.Close())
	require.NoError(t, relay.Close())

	assert.True(t, consumer.closed.Load())
	transport.AssertNumberOfCalls(t, "Close", 1)
}
