package filestore

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/pkg/types"
)

type artifactStore struct {
	*store
}

func newArtifactStore(basePath string) *artifactStore {
	return &artifactStore{store: newStore(basePath + "/artifacts")}
}

func (s *artifactStore) Get(ctx context.Context, id string) (*types.Artifact, error) {
	var a types.Artifact
	if err := s.get(ctx, &a, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *artifactStore) Create(ctx context.Context, a *types.Artifact) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.UserID == "" {
		return &persistence.ValidationFailed{Field: "user_id", Reason: "must not be empty"}
	}
	return s.put(ctx, a, a.ID)
}

func (s *artifactStore) Update(ctx context.Context, a *types.Artifact) error {
	if a.ID == "" {
		return &persistence.ValidationFailed{Field: "id", Reason: "must not be empty"}
	}
	return s.put(ctx, a, a.ID)
}

func (s *artifactStore) ListBySession(ctx context.Context, sessionID string) ([]*types.Artifact, error) {
	ids, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Artifact
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}
