package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomForIsSymmetric(t *testing.T) {
	assert.Equal(t, RoomFor("alice", "bob"), RoomFor("bob", "alice"))
	assert.Equal(t, "call:alice:bob", RoomFor("bob", "alice"))
}

func TestInvitationExpired(t *testing.T) {
	now := time.Now()
	inv := Invitation{ExpiresAt: now}

	assert.True(t, inv.Expired(now))
	assert.False(t, inv.Expired(now.Add(-time.Millisecond)))
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindAudio.Valid())
	assert.True(t, KindVideo.Valid())
	assert.False(t, Kind("screen").Valid())
}
