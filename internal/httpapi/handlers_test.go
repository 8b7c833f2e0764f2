package httpapi

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/persistence/filestore"
	"github.com/opencode-ai/relay/internal/relay"
	"github.com/opencode-ai/relay/internal/toolcaller"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/starttoken"
	"github.com/opencode-ai/relay/pkg/types"
)

type echoRuntime struct{}

func (echoRuntime) Step(ctx context.Context, agent *agentctx.Agent, model string, req agentctx.StepRequest) (agentctx.StepResult, error) {
	return agentctx.StepResult{Result: &schema.Message{Role: schema.Assistant, Content: "hello"}}, nil
}

type noopTools struct{}

func (noopTools) Resolve(name string) (toolcaller.ToolMeta, bool) { return toolcaller.ToolMeta{}, false }

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, call toolcaller.Call, args any, sessionContext map[string]any) (string, error) {
	return "{}", nil
}

type noopFunctions struct{}

func (noopFunctions) Call(ctx context.Context, funcID string, args map[string]any, sessionContext map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func newTestServer(t *testing.T) (*Server, []byte) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	ports := filestore.NewPorts(t.TempDir())
	up := upstream.New()
	collab := relay.Collaborators{
		AgentRegistry: agentctx.NewRegistry(),
		Runtime:       echoRuntime{},
		ToolRegistry:  noopTools{},
		ToolExecutor:  noopExecutor{},
		Functions:     noopFunctions{},
	}
	cfg := types.Defaults()
	cfg.EncryptionKey = hex.EncodeToString(key)
	cfg.GCInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := New(ctx, DefaultConfig(), ports, up, collab, cfg)
	return s, key
}

func TestHandleOpen_WithStartToken(t *testing.T) {
	s, key := newTestServer(t)

	token, err := starttoken.Pack(types.StartParams{Agent: "build", Model: "m-small", Kind: "chat", IssuedAt: time.Now().Unix()}, key)
	require.NoError(t, err)

	body := strings.NewReader(`{"start_token":"` + token + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/users/u1/open", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["request_id"])
}

func TestHandleMessage_RejectsEmptyText(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/users/u1/message", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEvents_StreamsSessionOpened(t *testing.T) {
	s, key := newTestServer(t)

	token, err := starttoken.Pack(types.StartParams{Agent: "build", Model: "m-small", Kind: "chat", IssuedAt: time.Now().Unix()}, key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/users/u1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Router().ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	openReq := httptest.NewRequest(http.MethodPost, "/users/u1/open", strings.NewReader(`{"start_token":"`+token+`"}`))
	openRec := httptest.NewRecorder()
	s.Router().ServeHTTP(openRec, openReq)
	require.Equal(t, http.StatusAccepted, openRec.Code)

	<-done

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var sawOpened bool
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "event: session.opened") {
			sawOpened = true
		}
	}
	require.True(t, sawOpened, "expected session.opened event in SSE stream, got: %s", rec.Body.String())
}
