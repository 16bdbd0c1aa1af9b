package redis

import (
	"context"
	"testing"
	"time"

	"amora-realtime/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDirectory struct {
	profiles map[string]notification.Actor
	calls    [][]string
}

func (d *countingDirectory) Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error) {
	d.calls = append(d.calls, append([]string(nil), ids...))
	out := make(map[string]notification.Actor)
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func TestProfileCacheReadsThrough(t *testing.T) {
	_, client := newTestClient(t)
	dir := &countingDirectory{profiles: map[string]notification.Actor{
		"alice": {ID: "alice", DisplayName: "Alice"},
		"bob":   {ID: "bob", DisplayName: "Bob"},
	}}
	cache := NewProfileCache(client, dir, time.Minute, nil)
	ctx := context.Background()

	got, err := cache.Lookup(ctx, []string{"alice", "alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["alice"].DisplayName)
	require.Len(t, dir.calls, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, dir.calls[0])

	got, err = cache.Lookup(ctx, []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", got["bob"].DisplayName)
	_, ok := got["carol"]
	assert.False(t, ok)
	require.Len(t, dir.calls, 2)
	assert.Equal(t, []string{"carol"}, dir.calls[1])

	require.NoError(t, cache.Invalidate(ctx, "bob"))
	_, err = cache.Lookup(ctx, []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, dir.calls[2])
}
