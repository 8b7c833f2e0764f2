package filestore

import (
	"context"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/relay/pkg/types"
)

type sessionContextStore struct {
	*store
}

func newSessionContextStore(basePath string) *sessionContextStore {
	return &sessionContextStore{store: newStore(basePath + "/session_contexts")}
}

func (s *sessionContextStore) Add(ctx context.Context, sc *types.SessionContext) (*types.SessionContext, error) {
	if sc.ID == "" {
		sc.ID = ulid.Make().String()
	}
	if err := s.put(ctx, sc, sc.SessionID, sc.ID); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *sessionContextStore) ListBySession(ctx context.Context, sessionID string) ([]*types.SessionContext, error) {
	ids, err := s.list(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var out []*types.SessionContext
	for _, id := range ids {
		var sc types.SessionContext
		if err := s.get(ctx, &sc, sessionID, id); err != nil {
			continue
		}
		out = append(out, &sc)
	}
	return out, nil
}

func (s *sessionContextStore) Delete(ctx context.Context, sessionID, id string) error {
	return s.delete(ctx, sessionID, id)
}

func (s *sessionContextStore) DeleteByType(ctx context.Context, sessionID, typ string) error {
	all, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, sc := range all {
		if sc.Type != typ {
			continue
		}
		if err := s.Delete(ctx, sessionID, sc.ID); err != nil {
			return err
		}
	}
	return nil
}
