package chat

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/placewhisper/genius-loci/internal/ai"
)

// fallbackPairs is how many trailing turn-pairs the deterministic summary
// keeps when the summarization model is unavailable.
const fallbackPairs = 3

type summaryPayload struct {
	Summary   string `json:"summary"`
	Turns     int    `json:"turns"`
	SessionID string `json:"session_id"`
}

// Archiver turns a taken session snapshot into one persisted summary record.
// It never mutates the snapshot and never blocks teardown: persistence
// failures are logged and reported, nothing more.
type Archiver struct {
	recorder   Recorder
	summarizer ai.Provider
	publisher  ArchivePublisher
	cache      SummaryCache
	model      string
}

func NewArchiver(recorder Recorder, summarizer ai.Provider, publisher ArchivePublisher, cache SummaryCache, model string) *Archiver {
	return &Archiver{
		recorder:   recorder,
		summarizer: summarizer,
		publisher:  publisher,
		cache:      cache,
		model:      model,
	}
}

// Archive persists a conversation summary for the session. It reports whether
// a record was written. A session with no history, or with no anchor note to
// attach the summary to, produces nothing.
func (a *Archiver) Archive(ctx context.Context, sess *Session) (bool, error) {
	if len(sess.History) == 0 {
		log.Printf("[Archive] empty history, nothing to archive session=%s", sess.ID)
		return false, nil
	}
	if sess.NoteID == 0 {
		// The transcript is lost here: there is no durable object to hang it on.
		log.Printf("[Archive] WARN no anchor note, discarding transcript session=%s turns=%d", sess.ID, sess.TurnCount)
		return false, nil
	}

	summary := a.summarize(ctx, sess)

	payload, err := json.Marshal(summaryPayload{
		Summary:   summary,
		Turns:     sess.TurnCount,
		SessionID: sess.ID,
	})
	if err != nil {
		return false, err
	}

	recordID, err := a.recorder.CreateSummaryRecord(ctx,
		sess.NoteID, sess.UserID, string(payload), a.model,
		sess.Location.Longitude, sess.Location.Latitude)
	if err != nil {
		log.Printf("[Archive] record write failed session=%s note=%d err=%v", sess.ID, sess.NoteID, err)
		return false, err
	}

	log.Printf("[Archive] archived session=%s note=%d record=%d turns=%d", sess.ID, sess.NoteID, recordID, sess.TurnCount)

	if a.cache != nil {
		if err := a.cache.SetSummary(ctx, sess.NoteID, string(payload)); err != nil {
			log.Printf("[Archive] cache prime failed note=%d err=%v", sess.NoteID, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.PublishArchived(ctx, sess.NoteID, recordID); err != nil {
			log.Printf("[Archive] publish failed note=%d record=%d err=%v", sess.NoteID, recordID, err)
		}
	}

	return true, nil
}

func (a *Archiver) summarize(ctx context.Context, sess *Session) string {
	if a.summarizer != nil {
		msgs := []ai.Message{
			message("system", "Summarize the following conversation between a visitor and the spirit of a place. Keep what the visitor shared about themselves and the place. Three sentences at most."),
			message("user", transcript(sess.History)),
		}
		text, err := a.summarizer.Chat(ctx, msgs)
		if err != nil {
			log.Printf("[Archive] summarization failed session=%s err=%v", sess.ID, err)
		} else if strings.TrimSpace(text) != "" {
			return text
		}
	}
	return fallbackSummary(sess.History)
}

func transcript(history []ai.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// fallbackSummary keeps the last few exchanges verbatim when no model summary
// is available.
func fallbackSummary(history []ai.Message) string {
	recent := history
	if len(recent) > 2*fallbackPairs {
		recent = recent[len(recent)-2*fallbackPairs:]
	}
	parts := make([]string, 0, len(recent))
	for _, m := range recent {
		parts = append(parts, m.Role+": "+m.Content)
	}
	return strings.Join(parts, " | ")
}
