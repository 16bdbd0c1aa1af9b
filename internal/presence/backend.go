package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Record is the state a member publishes about itself while in a room.
type Record struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      string    `json:"status"`
	OnlineAt    time.Time `json:"online_at"`
}

// Backend stores room membership. Every member entry expires ttl after its
// last Track unless refreshed.
type Backend interface {
	Track(ctx context.Context, room string, rec Record, ttl time.Duration) error
	Untrack(ctx context.Context, room, userID string) error
	// Snapshot returns the full live membership of room ordered by user id.
	Snapshot(ctx context.Context, room string) ([]Record, error)
}

type memoryMember struct {
	rec       Record
	expiresAt time.Time
}

// MemoryBackend keeps membership in process.
type MemoryBackend struct {
	clock clock.Clock

	mu     sync.Mutex
	rooms  map[string]map[string]memoryMember
	tracks map[string]int
}

func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBackend{
		clock:  clk,
		rooms:  make(map[string]map[string]memoryMember),
		tracks: make(map[string]int),
	}
}

func (b *MemoryBackend) Track(ctx context.Context, room string, rec Record, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]memoryMember)
	}
	b.rooms[room][rec.UserID] = memoryMember{rec: rec, expiresAt: b.clock.Now().Add(ttl)}
	b.tracks[rec.UserID]++
	return nil
}

func (b *MemoryBackend) Untrack(ctx context.Context, room, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms[room], userID)
	return nil
}

func (b *MemoryBackend) Snapshot(ctx context.Context, room string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	out := make([]Record, 0, len(b.rooms[room]))
	for id, m := range b.rooms[room] {
		if !now.Before(m.expiresAt) {
			delete(b.rooms[room], id)
			continue
		}
		out = append(out, m.rec)
	}
	SortRecords(out)
	return out, nil
}

// Tracks returns how many times userID has been tracked in any room.
func (b *MemoryBackend) Tracks(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tracks[userID]
}

// SortRecords orders recs by user id in place.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].UserID < recs[j].UserID })
}
