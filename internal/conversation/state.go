package conversation

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/model"
)

type shard struct {
	mu    sync.Mutex
	convs map[string]*state
}

func (s *shard) get(id string) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

// putIfAbsent stores st unless a concurrent loader won, and returns the stored state.
func (s *shard) putIfAbsent(id string, st *state) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.convs[id]; ok {
		return cur
	}
	s.convs[id] = st
	return st
}

func (s *shard) snapshot() []*state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.convs)
}

// evictIdle drops states untouched since cutoff that hold no typing entries.
// A state locked by an operation is skipped until the next pass.
func (s *shard) evictIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, st := range s.convs {
		if st.touched.Load() > cutoff.UnixNano() || !st.mu.TryLock() {
			continue
		}
		if len(st.typing) == 0 {
			st.evicted = true
			delete(s.convs, id)
			n++
		}
		st.mu.Unlock()
	}
	return n
}

type state struct {
	mu     sync.RWMutex
	conv   *model.Conversation
	typing map[model.Identity]time.Time
	active int
	// evicted is set under mu once the state has left its shard; holders must reload.
	evicted bool
	// touched is the unix-nano time of the last load.
	touched atomic.Int64
}

func newState(c *model.Conversation) *state {
	st := &state{
		conv:   c.Clone(),
		typing: make(map[model.Identity]time.Time),
	}
	st.recount()
	return st
}

// recount derives the active count from the records.
func (st *state) recount() {
	st.active = lo.CountBy(st.conv.Participants, func(p model.Participant) bool { return p.IsActive })
}

// prune drops entries older than ttl relative to now. Caller holds the write lock.
func (st *state) prune(now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl)
	n := 0
	for id, started := range st.typing {
		if started.Before(cutoff) {
			delete(st.typing, id)
			n++
		}
	}
	return n
}

func (st *state) liveTyping(convID string, now time.Time, ttl time.Duration) []model.TypingEntry {
	cutoff := now.Add(-ttl)
	out := make([]model.TypingEntry, 0, len(st.typing))
	for id, started := range st.typing {
		if started.Before(cutoff) {
			continue
		}
		out = append(out, model.TypingEntry{ConversationID: convID, UserID: id, StartedAt: started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (st *state) pinned(messageID string) bool {
	return lo.ContainsBy(st.conv.Pinned, func(p model.PinnedMessage) bool { return p.MessageID == messageID })
}
