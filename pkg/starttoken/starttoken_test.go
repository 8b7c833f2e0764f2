package starttoken

import (
	"testing"
	"time"

	"github.com/opencode-ai/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef") // 32 bytes, AES-256
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	key := testKey()
	params := types.StartParams{
		Agent:    "build",
		Model:    "claude-3-sonnet",
		Kind:     "chat",
		IssuedAt: time.Now().Unix(),
		Context:  map[string]any{"project": "relay"},
	}

	token, err := Pack(params, key)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := Unpack(token, key)
	require.NoError(t, err)
	assert.Equal(t, params.Agent, got.Agent)
	assert.Equal(t, params.Model, got.Model)
	assert.Equal(t, params.Kind, got.Kind)
	assert.Equal(t, params.IssuedAt, got.IssuedAt)
	assert.Equal(t, params.Context["project"], got.Context["project"])
}

func TestUnpack_Expired(t *testing.T) {
	key := testKey()
	params := types.StartParams{
		Agent:    "build",
		IssuedAt: time.Now().Add(-25 * time.Hour).Unix(),
	}

	token, err := Pack(params, key)
	require.NoError(t, err)

	_, err = Unpack(token, key)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestUnpack_WrongKeyRejected(t *testing.T) {
	params := types.StartParams{Agent: "build", IssuedAt: time.Now().Unix()}

	token, err := Pack(params, testKey())
	require.NoError(t, err)

	wrongKey := []byte("zyxwvutsrqponmlkjihgfedcba098765")
	_, err = Unpack(token, wrongKey)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnpack_MalformedToken(t *testing.T) {
	_, err := Unpack("not-valid-base64!!!", testKey())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnpack_TruncatedCiphertext(t *testing.T) {
	key := testKey()
	token, err := Pack(types.StartParams{IssuedAt: time.Now().Unix()}, key)
	require.NoError(t, err)

	_, err = Unpack(token[:4], key)
	assert.ErrorIs(t, err, ErrMalformed)
}
