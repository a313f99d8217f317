package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/placewhisper/genius-loci/internal/ai"
	"github.com/placewhisper/genius-loci/internal/config"
	"github.com/placewhisper/genius-loci/internal/db"
	"github.com/placewhisper/genius-loci/internal/note"
	amqp "github.com/rabbitmq/amqp091-go"
)

// archiveMsg mirrors the payload the server publishes after a conversation is
// archived.
type archiveMsg struct {
	NoteID   uint64 `json:"note_id"`
	RecordID uint64 `json:"record_id"`
}

var emotions = []string{"happy", "calm", "nostalgic", "sad", "excited", "lonely", "curious"}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	notes := note.NewRepo(gdb)

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("resolve provider %q: %v", cfg.AIProvider, err)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// Same topology the publisher declares; declarations must match.
	if _, err := ch.QueueDeclare(cfg.RabbitQueue+".dlq", true, false, false, false, nil); err != nil {
		log.Fatalf("dlq declare: %v", err)
	}
	if _, err := ch.QueueDeclare(cfg.RabbitQueue+".retry", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue,
	}); err != nil {
		log.Fatalf("retry declare: %v", err)
	}
	if _, err := ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	}); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m archiveMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.NoteID == 0 || m.RecordID == 0 {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleArchived(ctx, provider, notes, m); err != nil {
					log.Printf("worker=%d note %d failed cost=%s err=%v", workerID, m.NoteID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed note=%d err=%v", workerID, m.NoteID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleArchived tags the anchor note with the conversation's dominant
// emotion, derived from the freshly written summary.
func handleArchived(ctx context.Context, provider ai.Provider, notes *note.Repo, m archiveMsg) error {
	rec, err := notes.GetRecord(ctx, m.RecordID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	summary := rec.Result
	if p, ok := note.ParseSummary(rec.Result); ok {
		summary = p.Summary
	}
	if strings.TrimSpace(summary) == "" {
		log.Printf("note=%d empty summary, skipping emotion", m.NoteID)
		return nil
	}

	prompt := fmt.Sprintf(
		"Classify the dominant emotion of this conversation summary. Answer with exactly one word from: %s.\n\nSummary: %s",
		strings.Join(emotions, ", "), summary,
	)
	reply, err := provider.Chat(ctx, []ai.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return fmt.Errorf("emotion classify: %w", err)
	}

	emotion := normalizeEmotion(reply)
	if emotion == "" {
		log.Printf("note=%d unusable emotion reply %q, skipping", m.NoteID, strings.TrimSpace(reply))
		return nil
	}

	if err := notes.UpdateNoteEmotion(ctx, m.NoteID, emotion); err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	log.Printf("note=%d tagged emotion=%s", m.NoteID, emotion)
	return nil
}

// normalizeEmotion extracts a known label from a model reply, tolerating
// punctuation and casing.
func normalizeEmotion(reply string) string {
	cleaned := strings.ToLower(strings.TrimSpace(reply))
	cleaned = strings.Trim(cleaned, ".!\"' ")
	for _, e := range emotions {
		if cleaned == e {
			return e
		}
	}
	// Some models answer in a short sentence; accept a single embedded label.
	var found string
	for _, e := range emotions {
		if strings.Contains(cleaned, e) {
			if found != "" {
				return ""
			}
			found = e
		}
	}
	return found
}
