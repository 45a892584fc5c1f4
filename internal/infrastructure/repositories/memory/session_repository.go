package memory

import (
	"context"
	"sort"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

// MemorySessionRepository keeps the latest session record per room.
type MemorySessionRepository struct {
	records map[domain.RoomID]domain.SessionRecord
	mu      sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		records: make(map[domain.RoomID]domain.SessionRecord),
	}
}

func (r *MemorySessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.RoomID] = copyRecord(record)
	return nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, roomID domain.RoomID) (*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[roomID]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	out := copyRecord(&record)
	return &out, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[roomID]; !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.records, roomID)
	return nil
}

func (r *MemorySessionRepository) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.SessionRecord
	for _, record := range r.records {
		if record.Active() {
			out := copyRecord(&record)
			active = append(active, &out)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].RoomID < active[j].RoomID })

	return active, nil
}

// copyRecord detaches the track slice so callers cannot mutate stored state.
func copyRecord(record *domain.SessionRecord) domain.SessionRecord {
	out := *record
	out.VideoTracks = append([]domain.TrackID(nil), record.VideoTracks...)
	return out
}
