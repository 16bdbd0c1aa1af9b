package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDsSortByCreation(t *testing.T) {
	now := time.Now()
	a, err := New("a", "b", "first", now)
	require.NoError(t, err)
	b, err := New("a", "b", "second", now)
	require.NoError(t, err)

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.Equal(t, "b", a.Peer("a"))
	assert.Equal(t, "a", a.Peer("b"))
}

func TestBeforeUsesCreatedAtFirst(t *testing.T) {
	now := time.Now()
	late, _ := New("a", "b", "late", now)
	early, _ := New("a", "b", "early", now.Add(-time.Second))

	assert.True(t, early.Before(late))
}
