package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/storage"
	"github.com/rehabcare/messaging/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(*testing.T) storage.Store { return New() })
}

func TestPresence_LastSeen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	p := NewPresence()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Unknown user: zero time
	seen, online, err := p.LastSeen(ctx, "alice")
	req.NoError(err)
	req.True(seen.IsZero())
	req.False(online)

	req.NoError(p.SetOnline(ctx, "alice", true, at))
	req.NoError(p.SetOnline(ctx, "alice", false, at.Add(time.Minute)))

	seen, online, err = p.LastSeen(ctx, "alice")
	req.NoError(err)
	req.Equal(at.Add(time.Minute), seen)
	req.False(online)
}
