package chat

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/placewhisper/genius-loci/internal/common"
)

const storeShards = 16

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Store holds live sessions in memory, sharded so that operations on
// different ids never contend. All mutations on one id are serialized by the
// owning shard's mutex; Take is an atomic remove-and-return, so exactly one
// teardown path wins for any given id.
type Store struct {
	shards [storeShards]*shard
}

func NewStore() *Store {
	st := &Store{}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return st
}

func (st *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return st.shards[h.Sum32()%storeShards]
}

// Create allocates a fresh session awaiting its first turn.
func (st *Store) Create(userID uint64, loc Location, imageRef string) (*Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:           id,
		UserID:       userID,
		Location:     loc,
		ImageRef:     imageRef,
		IsFirst:      true,
		LastActivity: time.Now(),
	}
	sh := st.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = sess
	sh.mu.Unlock()
	return sess.clone(), nil
}

// CreateSuccessor allocates the rollover replacement for old: it inherits the
// anchor and the trailing carryPairs turn-pairs, and cold start is considered
// done. The successor is created with its turn slot already held; the caller
// must EndTurn when the in-flight turn finishes.
func (st *Store) CreateSuccessor(old *Session, carryPairs int) (*Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	hist := old.lastPairs(carryPairs)
	sess := &Session{
		ID:            id,
		UserID:        old.UserID,
		Location:      old.Location,
		History:       hist,
		NoteID:        old.NoteID,
		TurnCount:     len(hist) / 2,
		IsFirst:       false,
		ContextPrimed: true,
		LastActivity:  time.Now(),
		turnActive:    true,
	}
	sh := st.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = sess
	sh.mu.Unlock()
	return sess.clone(), nil
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (*Session, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.clone(), nil
}

// Take atomically removes and returns the session. Every teardown path goes
// through Take (or TakeOwned), so a given id is archived at most once.
func (st *Store) Take(id string) (*Session, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(sh.sessions, id)
	return sess, nil
}

// TakeOwned is Take with an owner check; on mismatch the session is left in
// place untouched.
func (st *Store) TakeOwned(id string, userID uint64) (*Session, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	delete(sh.sessions, id)
	return sess, nil
}

// BeginTurn claims the per-session turn slot, refreshes activity, and returns
// a snapshot, all under one lock. A second concurrent turn on the same id is
// rejected rather than interleaved.
func (st *Store) BeginTurn(id string) (*Session, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.turnActive {
		return nil, ErrTurnActive
	}
	sess.turnActive = true
	sess.LastActivity = time.Now()
	return sess.clone(), nil
}

// EndTurn releases the turn slot. A no-op if the session is already gone.
func (st *Store) EndTurn(id string) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[id]; ok {
		sess.turnActive = false
	}
}

// AppendTurn commits one completed turn-pair and returns the new turn count.
func (st *Store) AppendTurn(id, userText, assistantText string) (int, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	sess.History = append(sess.History,
		message("user", userText),
		message("assistant", assistantText),
	)
	sess.TurnCount++
	sess.LastActivity = time.Now()
	return sess.TurnCount, nil
}

func (st *Store) Touch(id string) error {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LastActivity = time.Now()
	return nil
}

// SetAnchor records the anchor note id. First write wins; the anchor is set
// at most once for a session's lifetime.
func (st *Store) SetAnchor(id string, noteID uint64) error {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.NoteID == 0 {
		sess.NoteID = noteID
	}
	return nil
}

// MarkPrimed records that cold-start enrichment has been attempted; it is
// never attempted again, even when parts of it failed.
func (st *Store) MarkPrimed(id string) error {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.IsFirst = false
	sess.ContextPrimed = true
	return nil
}

// Expired lists ids idle for longer than the threshold. Sessions with an
// in-flight turn are skipped; their activity will be refreshed on commit.
func (st *Store) Expired(now time.Time, idle time.Duration) []string {
	var ids []string
	for _, sh := range st.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if !sess.turnActive && now.Sub(sess.LastActivity) > idle {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
	}
	return ids
}

// Drain removes and returns every remaining session. Used on shutdown.
func (st *Store) Drain() []*Session {
	var out []*Session
	for _, sh := range st.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			out = append(out, sess)
			delete(sh.sessions, id)
		}
		sh.mu.Unlock()
	}
	return out
}

func (st *Store) Len() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}
