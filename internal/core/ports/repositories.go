package ports

import (
	"context"

	"rillcast/internal/core/domain"
)

type SessionRepository interface {
	Save(ctx context.Context, record *domain.SessionRecord) error
	Get(ctx context.Context, roomID domain.RoomID) (*domain.SessionRecord, error)
	Delete(ctx context.Context, roomID domain.RoomID) error
	ListActive(ctx context.Context) ([]*domain.SessionRecord, error)
}
