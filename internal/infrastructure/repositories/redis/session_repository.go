package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const sessionPrefix = "rillcast:session:"

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
	// ttl applies to records of ended sessions; live ones never expire.
	ttl time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: sessionPrefix,
		ttl:    ttl,
	}
}

func (r *RedisSessionRepository) sessionKey(roomID domain.RoomID) string {
	return r.prefix + string(roomID)
}

func (r *RedisSessionRepository) activeSessionsKey() string {
	return r.prefix + "active"
}

func (r *RedisSessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var ttl time.Duration
	if !record.Active() {
		ttl = r.ttl
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(record.RoomID), data, ttl)
	if record.Active() {
		pipe.SAdd(ctx, r.activeSessionsKey(), string(record.RoomID))
	} else {
		pipe.SRem(ctx, r.activeSessionsKey(), string(record.RoomID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, roomID domain.RoomID) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.sessionKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var record domain.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &record, nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.activeSessionsKey(), string(roomID))
	del := pipe.Del(ctx, r.sessionKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisSessionRepository) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	rooms, err := r.client.SMembers(ctx, r.activeSessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active sessions from Redis: %w", err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}

	keys := make([]string, len(rooms))
	for i, room := range rooms {
		keys[i] = r.sessionKey(domain.RoomID(room))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	var records []*domain.SessionRecord
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record expired or was deleted after SMembers.
			continue
		}
		var record domain.SessionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		if record.Active() {
			records = append(records, &record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RoomID < records[j].RoomID })

	return records, nil
}
