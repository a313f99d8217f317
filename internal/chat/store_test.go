package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSession(t *testing.T, st *Store) *Session {
	t.Helper()
	sess, err := st.Create(1, Location{Longitude: 120.1, Latitude: 30.2}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sess
}

func TestStore_CreateAndGet(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	if sess.ID == "" {
		t.Fatalf("expected a session id")
	}
	if !sess.IsFirst {
		t.Fatalf("fresh session should be first")
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != 1 || got.Location.Longitude != 120.1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestStore_GetReturnsSnapshot(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	got, _ := st.Get(sess.ID)
	got.History = append(got.History, message("user", "mutated"))
	got.TurnCount = 99

	fresh, _ := st.Get(sess.ID)
	if len(fresh.History) != 0 || fresh.TurnCount != 0 {
		t.Fatalf("mutating a snapshot leaked into the store: %+v", fresh)
	}
}

func TestStore_TakeIsExactlyOnce(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	const racers = 32
	var wins int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if _, err := st.Take(sess.ID); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if _, err := st.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after take, got %v", err)
	}
}

func TestStore_MutationsFailAfterTake(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	if _, err := st.Take(sess.ID); err != nil {
		t.Fatalf("take: %v", err)
	}

	if _, err := st.AppendTurn(sess.ID, "u", "a"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("append after take: %v", err)
	}
	if err := st.Touch(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("touch after take: %v", err)
	}
	if err := st.SetAnchor(sess.ID, 7); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("set anchor after take: %v", err)
	}
	if _, err := st.BeginTurn(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("begin turn after take: %v", err)
	}
}

func TestStore_TakeOwned(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	if _, err := st.TakeOwned(sess.ID, 999); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	// Forbidden must leave the session in place.
	if _, err := st.Get(sess.ID); err != nil {
		t.Fatalf("session should survive a forbidden take: %v", err)
	}

	got, err := st.TakeOwned(sess.ID, 1)
	if err != nil {
		t.Fatalf("owner take: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("wrong session taken")
	}
}

func TestStore_BeginTurnRejectsSecondTurn(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	if _, err := st.BeginTurn(sess.ID); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if _, err := st.BeginTurn(sess.ID); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("expected turn active, got %v", err)
	}

	st.EndTurn(sess.ID)
	if _, err := st.BeginTurn(sess.ID); err != nil {
		t.Fatalf("begin after end: %v", err)
	}
}

func TestStore_AppendTurnKeepsPairInvariant(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	for i := 0; i < 3; i++ {
		if _, err := st.AppendTurn(sess.ID, "hello", "hi"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, _ := st.Get(sess.ID)
	if got.TurnCount != 3 {
		t.Fatalf("turn count = %d, want 3", got.TurnCount)
	}
	if len(got.History) != 2*got.TurnCount {
		t.Fatalf("history len %d does not match %d turns", len(got.History), got.TurnCount)
	}
	for i, m := range got.History {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if m.Role != want {
			t.Fatalf("history[%d].Role = %q, want %q", i, m.Role, want)
		}
	}
}

func TestStore_CreateSuccessor(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)
	_ = st.SetAnchor(sess.ID, 42)
	for i := 0; i < 8; i++ {
		if _, err := st.AppendTurn(sess.ID, "u", "a"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	old, err := st.Take(sess.ID)
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	repl, err := st.CreateSuccessor(old, 5)
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if repl.ID == old.ID {
		t.Fatalf("successor reused the old id")
	}
	if repl.NoteID != 42 {
		t.Fatalf("anchor not inherited: %d", repl.NoteID)
	}
	if len(repl.History) != 10 || repl.TurnCount != 5 {
		t.Fatalf("carried history = %d msgs / %d turns, want 10 / 5", len(repl.History), repl.TurnCount)
	}
	if repl.IsFirst || !repl.ContextPrimed {
		t.Fatalf("successor must skip cold start: %+v", repl)
	}

	// Born with the turn slot held.
	if _, err := st.BeginTurn(repl.ID); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("expected held slot on successor, got %v", err)
	}
	st.EndTurn(repl.ID)
	if _, err := st.BeginTurn(repl.ID); err != nil {
		t.Fatalf("begin after release: %v", err)
	}
}

func TestStore_SetAnchorFirstWriteWins(t *testing.T) {
	st := NewStore()
	sess := newTestSession(t, st)

	_ = st.SetAnchor(sess.ID, 10)
	_ = st.SetAnchor(sess.ID, 20)

	got, _ := st.Get(sess.ID)
	if got.NoteID != 10 {
		t.Fatalf("anchor = %d, want 10", got.NoteID)
	}
}

func TestStore_Expired(t *testing.T) {
	st := NewStore()
	stale := newTestSession(t, st)
	fresh := newTestSession(t, st)
	busy := newTestSession(t, st)

	// Backdate via a long idle window instead of touching internals.
	time.Sleep(20 * time.Millisecond)
	_ = st.Touch(fresh.ID)
	if _, err := st.BeginTurn(busy.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}

	ids := st.Expired(time.Now(), 10*time.Millisecond)
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expired = %v, want only %s", ids, stale.ID)
	}
}

func TestStore_Drain(t *testing.T) {
	st := NewStore()
	a := newTestSession(t, st)
	b := newTestSession(t, st)

	got := st.Drain()
	if len(got) != 2 {
		t.Fatalf("drained %d sessions, want 2", len(got))
	}
	if st.Len() != 0 {
		t.Fatalf("store not empty after drain")
	}
	seen := map[string]bool{}
	for _, s := range got {
		seen[s.ID] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("drain missed a session")
	}
}
