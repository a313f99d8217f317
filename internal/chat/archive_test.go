package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/placewhisper/genius-loci/internal/ai"
)

type fakeSummarizer struct {
	reply string
	err   error
}

func (s *fakeSummarizer) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return s.reply, s.err
}

type fakePublisher struct {
	notes   []uint64
	records []uint64
	err     error
}

func (p *fakePublisher) PublishArchived(ctx context.Context, noteID, recordID uint64) error {
	if p.err != nil {
		return p.err
	}
	p.notes = append(p.notes, noteID)
	p.records = append(p.records, recordID)
	return nil
}

type fakeCache struct {
	payloads map[uint64]string
	err      error
}

func (c *fakeCache) SetSummary(ctx context.Context, noteID uint64, payload string) error {
	if c.err != nil {
		return c.err
	}
	if c.payloads == nil {
		c.payloads = make(map[uint64]string)
	}
	c.payloads[noteID] = payload
	return nil
}

func archivableSession(turns int) *Session {
	sess := &Session{
		ID:       "01TESTSESSION0000000000000",
		UserID:   1,
		NoteID:   7,
		Location: Location{Longitude: 120.1, Latitude: 30.2},
	}
	for i := 0; i < turns; i++ {
		sess.History = append(sess.History, message("user", "q"), message("assistant", "a"))
		sess.TurnCount++
	}
	return sess
}

func TestArchive_SkipsEmptyHistory(t *testing.T) {
	rec := &fakeRecorder{}
	a := NewArchiver(rec, nil, nil, nil, "m")

	sess := archivableSession(0)
	archived, err := a.Archive(context.Background(), sess)
	if err != nil || archived {
		t.Fatalf("empty history: archived=%v err=%v", archived, err)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestArchive_SkipsMissingAnchor(t *testing.T) {
	rec := &fakeRecorder{}
	a := NewArchiver(rec, nil, nil, nil, "m")

	sess := archivableSession(2)
	sess.NoteID = 0
	archived, err := a.Archive(context.Background(), sess)
	if err != nil || archived {
		t.Fatalf("no anchor: archived=%v err=%v", archived, err)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestArchive_WritesModelSummary(t *testing.T) {
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	cache := &fakeCache{}
	a := NewArchiver(rec, &fakeSummarizer{reply: "they talked about rain"}, pub, cache, "test-model")

	sess := archivableSession(2)
	archived, err := a.Archive(context.Background(), sess)
	if err != nil || !archived {
		t.Fatalf("archived=%v err=%v", archived, err)
	}

	rows := rec.recorded()
	if len(rows) != 1 {
		t.Fatalf("expected one record, got %d", len(rows))
	}
	if rows[0].NoteID != 7 || rows[0].UserID != 1 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}

	var p summaryPayload
	if err := json.Unmarshal([]byte(rows[0].Result), &p); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if p.Summary != "they talked about rain" || p.Turns != 2 || p.SessionID != sess.ID {
		t.Fatalf("unexpected payload: %+v", p)
	}

	// Cache primed and event published with the new record id.
	if cache.payloads[7] != rows[0].Result {
		t.Fatalf("cache not primed with payload")
	}
	if len(pub.records) != 1 || pub.notes[0] != 7 {
		t.Fatalf("publish mismatch: %+v", pub)
	}
}

func TestArchive_FallbackSummary(t *testing.T) {
	rec := &fakeRecorder{}
	a := NewArchiver(rec, &fakeSummarizer{err: errors.New("offline")}, nil, nil, "m")

	sess := archivableSession(0)
	sess.History = []ai.Message{
		message("user", "one"), message("assistant", "two"),
		message("user", "three"), message("assistant", "four"),
		message("user", "five"), message("assistant", "six"),
		message("user", "seven"), message("assistant", "eight"),
	}
	sess.TurnCount = 4

	archived, err := a.Archive(context.Background(), sess)
	if err != nil || !archived {
		t.Fatalf("archived=%v err=%v", archived, err)
	}

	var p summaryPayload
	if err := json.Unmarshal([]byte(rec.recorded()[0].Result), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := "user: three | assistant: four | user: five | assistant: six | user: seven | assistant: eight"
	if p.Summary != want {
		t.Fatalf("fallback = %q, want %q", p.Summary, want)
	}
}

func TestArchive_RecordFailureReported(t *testing.T) {
	rec := &fakeRecorder{recordErr: errors.New("db down")}
	pub := &fakePublisher{}
	a := NewArchiver(rec, nil, pub, nil, "m")

	archived, err := a.Archive(context.Background(), archivableSession(1))
	if err == nil || archived {
		t.Fatalf("expected failure, got archived=%v err=%v", archived, err)
	}
	if len(pub.records) != 0 {
		t.Fatalf("no event should be published on failure")
	}
}

func TestArchive_SideEffectFailuresAreNonFatal(t *testing.T) {
	rec := &fakeRecorder{}
	pub := &fakePublisher{err: errors.New("broker down")}
	cache := &fakeCache{err: errors.New("redis down")}
	a := NewArchiver(rec, nil, pub, cache, "m")

	archived, err := a.Archive(context.Background(), archivableSession(1))
	if err != nil || !archived {
		t.Fatalf("archived=%v err=%v", archived, err)
	}
}
