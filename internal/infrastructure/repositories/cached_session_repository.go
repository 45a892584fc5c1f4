package repositories

import (
	"context"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/cache"
)

// CachedSessionRepository serves Get from a short-lived cache in front of a
// shared store. Writes go through and update the cache.
type CachedSessionRepository struct {
	base  ports.SessionRepository
	cache *cache.Cache[domain.RoomID, domain.SessionRecord]
}

func NewCachedSessionRepository(base ports.SessionRepository, ttl time.Duration) *CachedSessionRepository {
	return &CachedSessionRepository{
		base:  base,
		cache: cache.New[domain.RoomID, domain.SessionRecord](ttl),
	}
}

func (r *CachedSessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	if err := r.base.Save(ctx, record); err != nil {
		r.cache.Delete(record.RoomID)
		return err
	}
	r.cache.Set(record.RoomID, clone(*record))
	return nil
}

func (r *CachedSessionRepository) Get(ctx context.Context, roomID domain.RoomID) (*domain.SessionRecord, error) {
	record, err := r.cache.GetOrLoad(ctx, roomID, func(ctx context.Context) (domain.SessionRecord, error) {
		rec, err := r.base.Get(ctx, roomID)
		if err != nil {
			return domain.SessionRecord{}, err
		}
		return clone(*rec), nil
	})
	if err != nil {
		return nil, err
	}
	out := clone(record)
	return &out, nil
}

func (r *CachedSessionRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	r.cache.Delete(roomID)
	return r.base.Delete(ctx, roomID)
}

// ListActive always reads the store; other instances change it.
func (r *CachedSessionRepository) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	return r.base.ListActive(ctx)
}

func (r *CachedSessionRepository) Close() {
	r.cache.Close()
}

func clone(record domain.SessionRecord) domain.SessionRecord {
	record.VideoTracks = append([]domain.TrackID(nil), record.VideoTracks...)
	return record
}
