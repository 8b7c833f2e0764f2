package filestore

import (
	"context"

	"github.com/opencode-ai/relay/pkg/types"
)

type contextStore struct {
	*store
}

func newContextStore(basePath string) *contextStore {
	return &contextStore{store: newStore(basePath + "/contexts")}
}

func (s *contextStore) Get(ctx context.Context, sessionID string) (*types.PrimaryContext, error) {
	var pc types.PrimaryContext
	if err := s.get(ctx, &pc, sessionID); err != nil {
		return nil, err
	}
	return &pc, nil
}

func (s *contextStore) Mutate(ctx context.Context, sessionID string, fn func(*types.PrimaryContext) error) (*types.PrimaryContext, error) {
	var pc types.PrimaryContext
	err := s.mutate(ctx, &pc, func() error {
		if pc.ID == "" {
			pc.ID = sessionID
			pc.SessionID = sessionID
		}
		return fn(&pc)
	}, sessionID)
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (s *contextStore) Delete(ctx context.Context, sessionID string) error {
	return s.delete(ctx, sessionID)
}
