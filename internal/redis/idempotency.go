package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long idempotency keys are retained. Long enough
	// to catch client and network retries without blocking intentional
	// re-sends of the same content later.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached response for an idempotent submit.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService provides idempotency guarantees for notification
// submission using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, idempotencyKey)
}

// CheckOrReserve atomically checks for an existing result and reserves the
// key if absent. Returns (nil, nil) when the key was reserved for this
// request, (result, nil) when a cached result exists, or ErrDuplicateRequest
// when another request holds the key.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, userID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(userID, idempotencyKey)

	ok, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Key expired between SetNX and Get; treat as reserved.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	return &result, nil
}

// Store caches the outcome of a completed submit under the idempotency key.
func (s *IdempotencyService) Store(ctx context.Context, userID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(userID, idempotencyKey)

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, body, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a failed submit so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, userID, idempotencyKey string) error {
	key := s.buildKey(userID, idempotencyKey)
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
