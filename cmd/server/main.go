package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/placewhisper/genius-loci/internal/ai"
	"github.com/placewhisper/genius-loci/internal/chat"
	"github.com/placewhisper/genius-loci/internal/config"
	"github.com/placewhisper/genius-loci/internal/db"
	"github.com/placewhisper/genius-loci/internal/httpapi"
	"github.com/placewhisper/genius-loci/internal/note"
	"github.com/placewhisper/genius-loci/internal/store/rabbitmq"
	"github.com/placewhisper/genius-loci/internal/store/redisstore"
)

func buildRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := ai.NewOllamaProvider(cfg.OllamaBaseURL, m)
		p.VisionModel = cfg.OllamaVisionModel
		return p, nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&note.Note{}, &note.Record{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rds := redisstore.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	reg := buildRegistry(cfg)
	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("resolve provider %q: %v", cfg.AIProvider, err)
	}
	streamer, ok := provider.(ai.StreamProvider)
	if !ok {
		log.Fatalf("provider %q does not support streaming", cfg.AIProvider)
	}
	vision, _ := provider.(ai.VisionProvider)

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer publisher.Close()

	notes := note.NewRepo(gdb)

	store := chat.NewStore()
	archiver := chat.NewArchiver(notes, provider, publisher, rds, cfg.ModelVersion)
	svc := chat.NewService(store, streamer, vision, notes, archiver, chat.ServiceConfig{
		RolloverTurns:  cfg.RolloverTurns,
		CarryPairs:     cfg.RolloverCarryPairs,
		MemoryRadiusKm: cfg.MemoryRadiusKm,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := chat.NewReaper(store, archiver,
		time.Duration(cfg.ReapIntervalSeconds)*time.Second,
		time.Duration(cfg.SessionIdleSeconds)*time.Second,
	)
	go reaper.Run(ctx)

	r := httpapi.NewRouter(svc, notes, rds)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		log.Printf("[Server] listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}

	// Sessions still in memory are archived on the way out so their
	// conversations are not lost.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFlush()
	svc.DrainAll(flushCtx)
}
