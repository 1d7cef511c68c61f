package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tabtime/tabtime/internal/storage"
)

const (
	keyLimits   = "tabtime:state:limits"
	keySessions = "tabtime:state:sessions"
)

type stateStore struct {
	client *redis.Client
}

func (s *stateStore) GetLimits(ctx context.Context) (*storage.LimitState, error) {
	data, err := s.client.Get(ctx, keyLimits).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get limits: %w", err)
	}

	var state storage.LimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal limits: %w", err)
	}
	return &state, nil
}

func (s *stateStore) PutLimits(ctx context.Context, state *storage.LimitState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	if err := s.client.Set(ctx, keyLimits, data, 0).Err(); err != nil {
		return fmt.Errorf("put limits: %w", err)
	}
	return nil
}

func (s *stateStore) GetSessions(ctx context.Context) (map[int]storage.TrackingSession, error) {
	data, err := s.client.Get(ctx, keySessions).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[int]storage.TrackingSession{}, nil
		}
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	sessions := make(map[int]storage.TrackingSession)
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	return sessions, nil
}

func (s *stateStore) PutSessions(ctx context.Context, sessions map[int]storage.TrackingSession) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := s.client.Set(ctx, keySessions, data, 0).Err(); err != nil {
		return fmt.Errorf("put sessions: %w", err)
	}
	return nil
}
