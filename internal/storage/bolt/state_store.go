package bolt

import (
	"context"
	"errors"

	"github.com/tabtime/tabtime/internal/storage"
	"go.etcd.io/bbolt"
)

type stateStore struct {
	db *bbolt.DB
}

func (s *stateStore) GetLimits(ctx context.Context) (*storage.LimitState, error) {
	return getBucketValue[storage.LimitState](ctx, s.db, bucketState, keyLimits)
}

func (s *stateStore) PutLimits(ctx context.Context, state *storage.LimitState) error {
	return putBucketValue(ctx, s.db, bucketState, keyLimits, state)
}

func (s *stateStore) GetSessions(ctx context.Context) (map[int]storage.TrackingSession, error) {
	sessions, err := getBucketValue[map[int]storage.TrackingSession](ctx, s.db, bucketState, keySessions)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return map[int]storage.TrackingSession{}, nil
		}
		return nil, err
	}
	return *sessions, nil
}

func (s *stateStore) PutSessions(ctx context.Context, sessions map[int]storage.TrackingSession) error {
	return putBucketValue(ctx, s.db, bucketState, keySessions, sessions)
}
