package chat

import (
	"context"

	"github.com/placewhisper/genius-loci/internal/ai"
)

// Generator produces the streamed assistant reply for one turn.
type Generator interface {
	StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error)
}

// Vision turns an image reference into a scene description.
type Vision interface {
	DescribeImage(ctx context.Context, imageURL string) (string, error)
}

// Recorder is the durable side of the engine: anchor notes, append-only
// summary records, and nearby-memory lookups.
type Recorder interface {
	CreateChatNote(ctx context.Context, userID uint64, content string, lon, lat float64) (uint64, error)
	CreateSummaryRecord(ctx context.Context, noteID, userID uint64, result, modelVersion string, lon, lat float64) (uint64, error)
	// NearbySummary returns the most recent conversation summary within
	// radiusKm of the location, or "" when there is none.
	NearbySummary(ctx context.Context, lon, lat, radiusKm float64) (string, error)
}

// ArchivePublisher notifies downstream consumers that a summary record was
// written. Best-effort; archival never fails on it.
type ArchivePublisher interface {
	PublishArchived(ctx context.Context, noteID, recordID uint64) error
}

// SummaryCache is primed with the freshly written summary payload so lookups
// right after teardown avoid the database.
type SummaryCache interface {
	SetSummary(ctx context.Context, noteID uint64, payload string) error
}
