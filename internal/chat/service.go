package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/placewhisper/genius-loci/internal/ai"
)

const (
	DefaultRolloverTurns  = 100
	DefaultCarryPairs     = 5
	DefaultMemoryRadiusKm = 1.0
)

type ServiceConfig struct {
	// RolloverTurns is how many committed turns a session may accumulate
	// before it is archived and replaced.
	RolloverTurns int
	// CarryPairs is how many trailing turn-pairs the replacement inherits.
	CarryPairs int
	// MemoryRadiusKm bounds the nearby-memory lookup on cold start.
	MemoryRadiusKm float64
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.RolloverTurns <= 0 {
		c.RolloverTurns = DefaultRolloverTurns
	}
	if c.CarryPairs <= 0 {
		c.CarryPairs = DefaultCarryPairs
	}
	if c.MemoryRadiusKm <= 0 {
		c.MemoryRadiusKm = DefaultMemoryRadiusKm
	}
	return c
}

// Service drives one user turn through resolve, rollover, cold start,
// streamed generation and commit.
type Service struct {
	store    *Store
	gen      Generator
	vision   Vision
	recorder Recorder
	archiver *Archiver
	cfg      ServiceConfig
}

func NewService(store *Store, gen Generator, vision Vision, recorder Recorder, archiver *Archiver, cfg ServiceConfig) *Service {
	return &Service{
		store:    store,
		gen:      gen,
		vision:   vision,
		recorder: recorder,
		archiver: archiver,
		cfg:      cfg.withDefaults(),
	}
}

func (s *Service) Store() *Store { return s.store }

type TurnRequest struct {
	UserID    uint64
	Message   string
	Longitude float64
	Latitude  float64
	SessionID string // optional; a new session is created when absent or unknown
	ImageRef  string // optional; only consumed on session creation
}

func (r TurnRequest) validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidRequest, r.Longitude)
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidRequest, r.Latitude)
	}
	return nil
}

// TurnStream is one in-flight turn. SessionID is the id the turn actually ran
// against, which may differ from the requested one after rollover or
// re-creation. Chunks closes when generation ends; Errs carries at most one
// terminal error; Done closes last.
type TurnStream struct {
	SessionID string
	Chunks    <-chan string
	Done      <-chan struct{}
	Errs      <-chan error
}

// StreamTurn validates and resolves the session synchronously, then streams
// the generated reply. The turn-pair is committed to history only after the
// full reply arrived; a failed or abandoned generation leaves the session
// exactly as it was.
func (s *Service) StreamTurn(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	userText := strings.TrimSpace(req.Message)

	sess, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	// A session never crosses the rollover boundary with unarchived history.
	if sess.TurnCount > 0 && sess.TurnCount%s.cfg.RolloverTurns == 0 {
		sess, err = s.rollover(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	var systemContext string
	if sess.IsFirst {
		systemContext = s.coldStart(ctx, sess, userText)
	}

	out := make(chan string, 16)
	done := make(chan struct{})
	errs := make(chan error, 1)
	go s.generate(ctx, sess, userText, systemContext, out, done, errs)

	return &TurnStream{SessionID: sess.ID, Chunks: out, Done: done, Errs: errs}, nil
}

// resolve claims the turn slot on the requested session, or creates a fresh
// one when no usable session exists. An id owned by someone else is treated
// as unknown.
func (s *Service) resolve(req TurnRequest) (*Session, error) {
	if req.SessionID != "" {
		sess, err := s.store.BeginTurn(req.SessionID)
		switch {
		case err == nil:
			if sess.UserID != req.UserID {
				s.store.EndTurn(sess.ID)
				log.Printf("[Chat] session owner mismatch, creating new session requested=%s", req.SessionID)
			} else {
				return sess, nil
			}
		case errors.Is(err, ErrTurnActive):
			return nil, err
		case errors.Is(err, ErrSessionNotFound):
			log.Printf("[Chat] session not found, creating new session requested=%s", req.SessionID)
		default:
			return nil, err
		}
	}

	created, err := s.store.Create(req.UserID, Location{Longitude: req.Longitude, Latitude: req.Latitude}, req.ImageRef)
	if err != nil {
		return nil, err
	}
	return s.store.BeginTurn(created.ID)
}

// rollover archives the session and switches the in-flight turn onto a
// replacement that inherits the anchor and a bounded tail of history.
func (s *Service) rollover(ctx context.Context, sess *Session) (*Session, error) {
	old, err := s.store.Take(sess.ID)
	if err != nil {
		// Lost the race to a concurrent teardown; the caller's id is dead.
		return nil, ErrSessionNotFound
	}

	log.Printf("[Chat] rollover session=%s turns=%d", old.ID, old.TurnCount)
	if _, err := s.archiver.Archive(ctx, old); err != nil {
		log.Printf("[Chat] rollover archive failed session=%s err=%v", old.ID, err)
	}

	repl, err := s.store.CreateSuccessor(old, s.cfg.CarryPairs)
	if err != nil {
		return nil, err
	}
	log.Printf("[Chat] rollover complete old=%s new=%s", old.ID, repl.ID)
	return repl, nil
}

// coldStart runs the one-time enrichment: anchor note creation, scene
// description, nearby memory. Each step degrades silently to absent; the
// composed context is used for this turn's generation only and never stored.
func (s *Service) coldStart(ctx context.Context, sess *Session, userText string) string {
	loc := sess.Location

	noteID, err := s.recorder.CreateChatNote(ctx, sess.UserID, userText, loc.Longitude, loc.Latitude)
	if err != nil {
		log.Printf("[Chat] anchor note creation failed session=%s err=%v", sess.ID, err)
	} else {
		_ = s.store.SetAnchor(sess.ID, noteID)
		sess.NoteID = noteID
		log.Printf("[Chat] anchor note created session=%s note=%d", sess.ID, noteID)
	}

	var scene string
	if sess.ImageRef != "" && s.vision != nil {
		d, err := s.vision.DescribeImage(ctx, sess.ImageRef)
		if err != nil {
			log.Printf("[Chat] vision failed session=%s err=%v", sess.ID, err)
		} else {
			scene = strings.TrimSpace(d)
		}
	}

	var memory string
	m, err := s.recorder.NearbySummary(ctx, loc.Longitude, loc.Latitude, s.cfg.MemoryRadiusKm)
	if err != nil {
		log.Printf("[Chat] memory lookup failed session=%s err=%v", sess.ID, err)
	} else {
		memory = strings.TrimSpace(m)
	}

	// Cold start is attempted at most once, whatever succeeded above.
	_ = s.store.MarkPrimed(sess.ID)
	sess.IsFirst = false
	sess.ContextPrimed = true

	var parts []string
	if scene != "" {
		parts = append(parts, "[Current scene] "+scene)
	}
	if memory != "" {
		parts = append(parts, "[Memory of this place] "+memory)
	}
	return strings.Join(parts, "\n")
}

func (s *Service) generate(ctx context.Context, sess *Session, userText, systemContext string, out chan<- string, done chan<- struct{}, errs chan<- error) {
	defer close(out)
	defer close(done)
	defer close(errs)
	defer s.store.EndTurn(sess.ID)

	msgs := make([]ai.Message, 0, len(sess.History)+2)
	if systemContext != "" {
		msgs = append(msgs, message("system", systemContext))
	}
	msgs = append(msgs, sess.History...)
	msgs = append(msgs, message("user", userText))

	pChunks, pErrs := s.gen.StreamChat(ctx, msgs)

	var b strings.Builder
forward:
	for {
		select {
		case c, ok := <-pChunks:
			if !ok {
				break forward
			}
			b.WriteString(c)
			select {
			case out <- c:
			case <-ctx.Done():
				log.Printf("[Chat] caller gone mid-generation, turn dropped session=%s", sess.ID)
				return
			}
		case <-ctx.Done():
			log.Printf("[Chat] caller gone mid-generation, turn dropped session=%s", sess.ID)
			return
		}
	}

	select {
	case err := <-pErrs:
		if err != nil {
			errs <- err
			return
		}
	default:
	}

	if _, err := s.store.AppendTurn(sess.ID, userText, b.String()); err != nil {
		// Torn down while generating; the reply was still delivered.
		log.Printf("[Chat] commit skipped, session gone session=%s", sess.ID)
	}
}

type EndResult struct {
	SessionID string
	Turns     int
	Archived  bool
}

// EndSession tears the session down on the owner's request. The archival
// attempt always precedes removal-visible success, but a failed persistence
// does not resurrect the session.
func (s *Service) EndSession(ctx context.Context, sessionID string, userID uint64) (*EndResult, error) {
	sess, err := s.store.TakeOwned(sessionID, userID)
	if err != nil {
		return nil, err
	}

	archived, aerr := s.archiver.Archive(ctx, sess)
	if aerr != nil {
		log.Printf("[Chat] end-session archive failed session=%s err=%v", sessionID, aerr)
	}
	log.Printf("[Chat] session ended session=%s turns=%d archived=%v", sessionID, sess.TurnCount, archived)

	return &EndResult{SessionID: sessionID, Turns: sess.TurnCount, Archived: archived}, nil
}

// DrainAll archives every remaining session. Called once during shutdown
// after the HTTP server stopped accepting turns.
func (s *Service) DrainAll(ctx context.Context) {
	sessions := s.store.Drain()
	if len(sessions) == 0 {
		return
	}
	log.Printf("[Chat] draining %d sessions", len(sessions))
	for _, sess := range sessions {
		if _, err := s.archiver.Archive(ctx, sess); err != nil {
			log.Printf("[Chat] drain archive failed session=%s err=%v", sess.ID, err)
		}
	}
}

type SessionStatus struct {
	SessionID     string   `json:"session_id"`
	UserID        uint64   `json:"user_id"`
	NoteID        uint64   `json:"note_id,omitempty"`
	Turns         int      `json:"conversation_turns"`
	IsFirst       bool     `json:"is_first"`
	Location      Location `json:"location"`
	RolloverTurns int      `json:"auto_archive_threshold"`
}

// SessionStatus returns a read-only snapshot of the session's public fields.
func (s *Service) SessionStatus(sessionID string) (*SessionStatus, error) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionStatus{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		NoteID:        sess.NoteID,
		Turns:         sess.TurnCount,
		IsFirst:       sess.IsFirst,
		Location:      sess.Location,
		RolloverTurns: s.cfg.RolloverTurns,
	}, nil
}
