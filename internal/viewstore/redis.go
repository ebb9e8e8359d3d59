package viewstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/jmartynas/bytemason/internal/errs"
)

const keyPrefix = "bytemason:signin:view:"

// Redis shares view state between instances behind a load balancer.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func Key(id string) string {
	return keyPrefix + id
}

func (s *Redis) Load(ctx context.Context, id string) (FormState, error) {
	raw, err := s.client.WithContext(ctx).Get(Key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return FormState{}, errs.ErrViewNotFound
	}
	if err != nil {
		return FormState{}, fmt.Errorf("redis get view: %w", err)
	}
	var state FormState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return FormState{}, fmt.Errorf("decode view: %w", err)
	}
	return state, nil
}

func (s *Redis) Save(ctx context.Context, id string, state FormState, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	if err := s.client.WithContext(ctx).Set(Key(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set view: %w", err)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.WithContext(ctx).Ping().Err()
}
