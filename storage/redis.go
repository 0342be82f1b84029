package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/redis/go-redis/v9"
)

// FailureStore carries unresolved fetches from one run to the next in a Redis list.
type FailureStore struct {
	client *redis.Client
	key    string
}

// NewFailureStore connects to addr and verifies the connection.
func NewFailureStore(ctx context.Context, addr, key string) (*FailureStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &FailureStore{client: client, key: key}, nil
}

// Load returns the stored entries. A missing key is an empty list.
func (s *FailureStore) Load(ctx context.Context) ([]models.FailedFetch, error) {
	values, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}
	return decodeFailures(values)
}

// Save replaces the stored entries. An empty list removes the key.
func (s *FailureStore) Save(ctx context.Context, entries []models.FailedFetch) error {
	values, err := encodeFailures(entries)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.RPush(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", s.key, err)
	}
	return nil
}

// Close closes the client.
func (s *FailureStore) Close() error {
	return s.client.Close()
}

func encodeFailures(entries []models.FailedFetch) ([]any, error) {
	values := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode failed fetch %s: %w", entry.URL, err)
		}
		values = append(values, string(data))
	}
	return values, nil
}

func decodeFailures(values []string) ([]models.FailedFetch, error) {
	entries := make([]models.FailedFetch, 0, len(values))
	for i, value := range values {
		var entry models.FailedFetch
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, fmt.Errorf("decode failed fetch %d: %w", i, err)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("decode failed fetch %d: missing url", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
