package chat

import (
	"time"

	"github.com/placewhisper/genius-loci/internal/ai"
)

type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Session is the in-memory state of one live conversation. It is owned by the
// Store; callers only ever see copies.
type Session struct {
	ID       string
	UserID   uint64
	Location Location
	ImageRef string

	// History holds matched pairs only: a user message is never stored
	// without its assistant reply, so len(History) == 2*TurnCount.
	History   []ai.Message
	NoteID    uint64 // anchor note, 0 until the first turn creates it
	TurnCount int

	IsFirst       bool
	ContextPrimed bool

	LastActivity time.Time

	// turnActive guards against two concurrent turns on the same id.
	// Guarded by the owning shard's mutex, never copied out as meaningful.
	turnActive bool
}

func message(role, content string) ai.Message {
	return ai.Message{Role: role, Content: content}
}

func (s *Session) clone() *Session {
	cp := *s
	cp.History = append([]ai.Message(nil), s.History...)
	cp.turnActive = false
	return &cp
}

// lastPairs returns the trailing n turn-pairs of history.
func (s *Session) lastPairs(n int) []ai.Message {
	keep := 2 * n
	if keep >= len(s.History) {
		return append([]ai.Message(nil), s.History...)
	}
	return append([]ai.Message(nil), s.History[len(s.History)-keep:]...)
}
