package filestore

import (
	"context"

	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/pkg/types"
)

type sessionStore struct {
	*store
}

func newSessionStore(basePath string) *sessionStore {
	return &sessionStore{store: newStore(basePath + "/sessions")}
}

func (s *sessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	if err := s.get(ctx, &sess, id); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Create(ctx context.Context, sess *types.Session) error {
	if sess.ID == "" {
		return &persistence.ValidationFailed{Field: "id", Reason: "must not be empty"}
	}
	return s.put(ctx, sess, sess.ID)
}

func (s *sessionStore) Patch(ctx context.Context, id string, patch types.MetaPatch) (*types.Session, error) {
	var sess types.Session
	err := s.mutate(ctx, &sess, func() error {
		if patch.Status != nil {
			sess.Status = *patch.Status
		}
		if patch.Title != nil {
			sess.Title = *patch.Title
		}
		if patch.Kind != nil {
			sess.Kind = *patch.Kind
		}
		if patch.Config != nil {
			sess.Config = patch.Config
		}
		if patch.Meta != nil {
			sess.Meta = *patch.Meta
		}
		if patch.PublicMeta != nil {
			sess.PublicMeta = patch.PublicMeta
		}
		if patch.LastMessageDate != nil {
			sess.LastMessageDate = *patch.LastMessageDate
		}
		return nil
	}, id)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]*types.Session, error) {
	ids, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}
