package note

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func summaryJSON(t *testing.T, summary string, turns int, sessionID string) string {
	t.Helper()
	b, err := json.Marshal(SummaryPayload{Summary: summary, Turns: turns, SessionID: sessionID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestCreateChatNote(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	id, err := repo.CreateChatNote(ctx, 1, "first words", 120.15, 30.25)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected an id")
	}

	var n Note
	if err := repo.db.First(&n, id).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if n.NoteType != NoteTypeConversation || n.Content != "first words" {
		t.Fatalf("unexpected note: %+v", n)
	}
	if n.GPSLongitude != 120.15 || n.GPSLatitude != 30.25 {
		t.Fatalf("gps mismatch: %+v", n)
	}
}

func TestNearbySummary(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	// Roughly 500 m north of the query point.
	if _, err := repo.CreateSummaryRecord(ctx, 1, 1,
		summaryJSON(t, "near memory", 3, "s1"), "m", 120.15, 30.25+0.0045); err != nil {
		t.Fatalf("near record: %v", err)
	}
	// Roughly 50 km east, well outside one kilometer.
	if _, err := repo.CreateSummaryRecord(ctx, 2, 2,
		summaryJSON(t, "far memory", 3, "s2"), "m", 120.15+0.45, 30.25); err != nil {
		t.Fatalf("far record: %v", err)
	}

	got, err := repo.NearbySummary(ctx, 120.15, 30.25, 1.0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if got != "near memory" {
		t.Fatalf("got %q, want the near memory", got)
	}

	// Nowhere near anything.
	got, err = repo.NearbySummary(ctx, 0, 0, 1.0)
	if err != nil {
		t.Fatalf("nearby empty: %v", err)
	}
	if got != "" {
		t.Fatalf("expected no memory, got %q", got)
	}
}

func TestNearbySummary_PrefersMostRecent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := repo.CreateSummaryRecord(ctx, uint64(i), uint64(i),
			summaryJSON(t, fmt.Sprintf("memory %d", i), i, fmt.Sprintf("s%d", i)),
			"m", 120.15, 30.25); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, err := repo.NearbySummary(ctx, 120.15, 30.25, 1.0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if got != "memory 3" {
		t.Fatalf("got %q, want the newest memory", got)
	}
}

func TestNearbySummary_ServesUnstructuredResultRaw(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if _, err := repo.CreateSummaryRecord(ctx, 1, 1, "plain old text", "m", 120.15, 30.25); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := repo.NearbySummary(ctx, 120.15, 30.25, 1.0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if got != "plain old text" {
		t.Fatalf("got %q", got)
	}
}

func TestLatestSummaryRecord(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if _, err := repo.LatestSummaryRecord(ctx, 1, 1); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}

	first, err := repo.CreateSummaryRecord(ctx, 1, 1, summaryJSON(t, "old", 1, "s1"), "m", 0, 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := repo.CreateSummaryRecord(ctx, 1, 1, summaryJSON(t, "new", 2, "s2"), "m", 0, 0)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not monotonic: %d, %d", first, second)
	}

	rec, err := repo.LatestSummaryRecord(ctx, 1, 1)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.ID != second {
		t.Fatalf("got record %d, want %d", rec.ID, second)
	}

	// Owner check.
	if _, err := repo.LatestSummaryRecord(ctx, 1, 999); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for wrong owner, got %v", err)
	}
}

func TestUpdateNoteEmotion(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	id, err := repo.CreateChatNote(ctx, 1, "hello", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.UpdateNoteEmotion(ctx, id, "nostalgic"); err != nil {
		t.Fatalf("update: %v", err)
	}

	var n Note
	if err := repo.db.First(&n, id).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if n.Emotion != "nostalgic" {
		t.Fatalf("emotion = %q", n.Emotion)
	}
}

func TestParseSummary(t *testing.T) {
	p, ok := ParseSummary(`{"summary":"a walk","turns":4,"session_id":"s"}`)
	if !ok || p.Summary != "a walk" || p.Turns != 4 {
		t.Fatalf("parse: ok=%v p=%+v", ok, p)
	}

	if _, ok := ParseSummary("not json"); ok {
		t.Fatalf("garbage should not parse")
	}
	if _, ok := ParseSummary(`{"turns":1}`); ok {
		t.Fatalf("payload without summary text is unusable")
	}
}
