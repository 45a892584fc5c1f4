package memory

import (
	"context"
	"testing"
	"time"

	"rillcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(room string, state domain.SessionState) *domain.SessionRecord {
	return &domain.SessionRecord{
		SessionID:   domain.SessionID("s-" + room),
		RoomID:      domain.RoomID(room),
		State:       state,
		Layout:      "single",
		VideoTracks: []domain.TrackID{"alice-cam"},
		PlaybackURL: "/hls/" + room + "/stream.m3u8",
		StartedAt:   time.Now(),
	}
}

func TestMemorySessionRepository_SaveGetDelete(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	rec := record("room-1", domain.SessionRunning)
	require.NoError(t, repo.Save(ctx, rec))

	rec.VideoTracks[0] = "mutated"
	got, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackID("alice-cam"), got.VideoTracks[0], "stored record is a copy")

	got.State = domain.SessionExited
	again, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, again.State)

	require.NoError(t, repo.Delete(ctx, "room-1"))
	assert.ErrorIs(t, repo.Delete(ctx, "room-1"), domain.ErrSessionNotFound)
}

func TestMemorySessionRepository_SaveOverwritesPerRoom(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	first := record("room-1", domain.SessionRunning)
	second := record("room-1", domain.SessionRunning)
	second.SessionID = "s-replacement"

	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s-replacement"), got.SessionID)
}

func TestMemorySessionRepository_ListActive(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, record("room-b", domain.SessionRunning)))
	require.NoError(t, repo.Save(ctx, record("room-a", domain.SessionStarting)))
	require.NoError(t, repo.Save(ctx, record("room-c", domain.SessionExited)))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, domain.RoomID("room-a"), active[0].RoomID)
	assert.Equal(t, domain.RoomID("room-b"), active[1].RoomID)
}
