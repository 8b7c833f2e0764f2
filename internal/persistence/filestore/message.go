package filestore

import (
	"context"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/pkg/types"
)

type messageStore struct {
	*store
}

func newMessageStore(basePath string) *messageStore {
	return &messageStore{store: newStore(basePath + "/messages")}
}

func (s *messageStore) Append(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if msg.SessionID == "" {
		return nil, &persistence.ValidationFailed{Field: "session_id", Reason: "must not be empty"}
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if err := s.put(ctx, msg, msg.SessionID, msg.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *messageStore) Get(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := s.get(ctx, &msg, sessionID, messageID); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *messageStore) UpdateMetadata(ctx context.Context, sessionID, messageID string, metadata map[string]any) error {
	var msg types.Message
	return s.mutate(ctx, &msg, func() error {
		if msg.ID == "" {
			return &persistence.NotFound{Kind: "message", ID: messageID}
		}
		msg.Metadata = metadata
		return nil
	}, sessionID, messageID)
}

func (s *messageStore) sortedIDs(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.list(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids) // ULIDs sort lexically in creation order
	return ids, nil
}

func (s *messageStore) List(ctx context.Context, sessionID string, cursor string, dir types.Direction, limit int) (types.Page, error) {
	ids, err := s.sortedIDs(ctx, sessionID)
	if err != nil {
		return types.Page{}, err
	}
	if limit <= 0 {
		limit = len(ids)
	}

	start := 0
	end := len(ids)
	switch dir {
	case types.DirectionAfter:
		if cursor != "" {
			idx := sort.SearchStrings(ids, cursor)
			if idx < len(ids) && ids[idx] == cursor {
				idx++
			}
			start = idx
		}
	case types.DirectionBefore:
		if cursor != "" {
			idx := sort.SearchStrings(ids, cursor)
			end = idx
		}
		if end-limit > start {
			start = end - limit
		}
	}

	var page types.Page
	window := ids[start:end]
	hasMore := false
	if dir == types.DirectionAfter && len(window) > limit {
		window = window[:limit]
		hasMore = true
	} else if dir == types.DirectionBefore && start > 0 {
		hasMore = true
	}

	for _, id := range window {
		msg, err := s.Get(ctx, sessionID, id)
		if err != nil {
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	page.HasMore = hasMore
	if len(page.Messages) > 0 {
		if dir == types.DirectionBefore {
			page.NextCursor = page.Messages[0].ID
		} else {
			page.NextCursor = page.Messages[len(page.Messages)-1].ID
		}
	}
	return page, nil
}

func (s *messageStore) After(ctx context.Context, sessionID, afterID string) ([]*types.Message, error) {
	ids, err := s.sortedIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*types.Message
	for _, id := range ids {
		if afterID != "" && id <= afterID {
			continue
		}
		msg, err := s.Get(ctx, sessionID, id)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
