package filestore

import (
	"context"
	"testing"

	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/pkg/types"
)

func TestSessionStore_CreateGetPatch(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	sess := &types.Session{ID: "sess1", UserID: "u1", Status: types.StatusIdle}
	if err := ports.Sessions.Create(ctx, sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := ports.Sessions.Get(ctx, "sess1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "u1")
	}

	newStatus := types.StatusRunning
	patched, err := ports.Sessions.Patch(ctx, "sess1", types.MetaPatch{Status: &newStatus})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if patched.Status != types.StatusRunning {
		t.Errorf("Status = %q, want %q", patched.Status, types.StatusRunning)
	}
}

func TestSessionStore_GetNotFound(t *testing.T) {
	ports := NewPorts(t.TempDir())
	_, err := ports.Sessions.Get(context.Background(), "missing")
	if !persistence.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestMessageStore_AppendAndAfter(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := ports.Messages.Append(ctx, &types.Message{SessionID: "sess1", Type: types.MessageUser})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	after, err := ports.Messages.After(ctx, "sess1", ids[1])
	if err != nil {
		t.Fatalf("After failed: %v", err)
	}
	if len(after) != 3 {
		t.Fatalf("After(%s) returned %d messages, want 3", ids[1], len(after))
	}
	for _, m := range after {
		if m.ID == ids[1] {
			t.Errorf("After() must be exclusive of the cursor, got cursor message back")
		}
	}
}

func TestMessageStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	for i := 0; i < 10; i++ {
		if _, err := ports.Messages.Append(ctx, &types.Message{SessionID: "sess1", Type: types.MessageUser}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	page, err := ports.Messages.List(ctx, "sess1", "", types.DirectionAfter, 4)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Messages) != 4 {
		t.Fatalf("page 1 has %d messages, want 4", len(page.Messages))
	}
	if !page.HasMore {
		t.Error("page 1 should report HasMore")
	}

	page2, err := ports.Messages.List(ctx, "sess1", page.NextCursor, types.DirectionAfter, 4)
	if err != nil {
		t.Fatalf("List page 2 failed: %v", err)
	}
	if len(page2.Messages) != 4 {
		t.Fatalf("page 2 has %d messages, want 4", len(page2.Messages))
	}

	page3, err := ports.Messages.List(ctx, "sess1", page2.NextCursor, types.DirectionAfter, 4)
	if err != nil {
		t.Fatalf("List page 3 failed: %v", err)
	}
	if len(page3.Messages) != 2 {
		t.Fatalf("page 3 has %d messages, want 2", len(page3.Messages))
	}
	if page3.HasMore {
		t.Error("final page should not report HasMore")
	}
}

func TestMessageStore_ListPaginationBefore(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	var ids []string
	for i := 0; i < 10; i++ {
		msg, err := ports.Messages.Append(ctx, &types.Message{SessionID: "sess1", Type: types.MessageUser})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	page, err := ports.Messages.List(ctx, "sess1", ids[9], types.DirectionBefore, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got, want := idsOf(page.Messages), ids[6:9]; !equalIDs(got, want) {
		t.Fatalf("page 1 = %v, want %v", got, want)
	}
	if !page.HasMore {
		t.Error("page 1 should report HasMore")
	}

	page2, err := ports.Messages.List(ctx, "sess1", page.NextCursor, types.DirectionBefore, 3)
	if err != nil {
		t.Fatalf("List page 2 failed: %v", err)
	}
	if got, want := idsOf(page2.Messages), ids[3:6]; !equalIDs(got, want) {
		t.Fatalf("page 2 = %v, want %v (must be disjoint from page 1)", got, want)
	}
}

func idsOf(msgs []*types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestContextStore_Mutate(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	_, err := ports.Contexts.Mutate(ctx, "sess1", func(pc *types.PrimaryContext) error {
		pc.Set(types.CurrentCheckpointKey, "msg1")
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	pc, err := ports.Contexts.Get(ctx, "sess1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	v, ok := pc.Get(types.CurrentCheckpointKey)
	if !ok || v != "msg1" {
		t.Errorf("CurrentCheckpointKey = %v, ok=%v, want msg1", v, ok)
	}
}

func TestSessionContextStore_DeleteByType(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	for _, typ := range []string{"fact", "fact", "preference"} {
		if _, err := ports.SessionContexts.Add(ctx, &types.SessionContext{SessionID: "sess1", Type: typ}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := ports.SessionContexts.DeleteByType(ctx, "sess1", "fact"); err != nil {
		t.Fatalf("DeleteByType failed: %v", err)
	}

	remaining, err := ports.SessionContexts.ListBySession(ctx, "sess1")
	if err != nil {
		t.Fatalf("ListBySession failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Type != "preference" {
		t.Errorf("remaining = %+v, want one preference entry", remaining)
	}
}

func TestArtifactStore_ListBySession(t *testing.T) {
	ctx := context.Background()
	ports := NewPorts(t.TempDir())

	if err := ports.Artifacts.Create(ctx, &types.Artifact{UserID: "u1", SessionID: "sess1", Kind: types.ArtifactInline}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ports.Artifacts.Create(ctx, &types.Artifact{UserID: "u1", SessionID: "sess2", Kind: types.ArtifactInline}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	list, err := ports.Artifacts.ListBySession(ctx, "sess1")
	if err != nil {
		t.Fatalf("ListBySession failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListBySession returned %d artifacts, want 1", len(list))
	}
}
