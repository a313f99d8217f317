package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const summaryTTL = 10 * time.Minute

// Store caches freshly archived summary payloads keyed by note id, so lookup
// right after a session ends does not hit the database.
type Store struct {
	client *redis.Client
}

func NewStore(addr, password string, db int) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func summaryKey(noteID uint64) string {
	return fmt.Sprintf("ai_summary:%d", noteID)
}

// GetSummary returns the cached payload, or "" on a miss.
func (s *Store) GetSummary(ctx context.Context, noteID uint64) (string, error) {
	v, err := s.client.Get(ctx, summaryKey(noteID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

func (s *Store) SetSummary(ctx context.Context, noteID uint64, payload string) error {
	return s.client.Set(ctx, summaryKey(noteID), payload, summaryTTL).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
