// Package starttoken seals and opens the opaque token a client presents to
// open a brand-new session. The token carries a
// types.StartParams payload plus an issue time, authenticated and encrypted
// so a client can hold it without being able to forge or read it.
//
// No example in the retrieval pack ships a dedicated AEAD/sealed-box
// library; crypto/aes + cipher.NewGCM is the standard-library primitive for
// exactly this job and is used here deliberately rather than as a fallback
// (see DESIGN.md).
package starttoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencode-ai/relay/pkg/types"
)

// Freshness is the maximum age of a token's IssuedAt before Unpack rejects
// it.
const Freshness = 24 * time.Hour

var (
	// ErrExpired is returned by Unpack when the token's IssuedAt is older
	// than Freshness.
	ErrExpired = errors.New("starttoken: expired")
	// ErrMalformed is returned by Unpack for any token that fails to
	// base64-decode, authenticate, or unmarshal.
	ErrMalformed = errors.New("starttoken: malformed")
)

// Pack seals params into an opaque, URL-safe token string using the given
// AES key (16, 24, or 32 bytes selects AES-128/192/256).
func Pack(params types.StartParams, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("starttoken: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("starttoken: new gcm: %w", err)
	}

	plaintext, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("starttoken: marshal params: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("starttoken: read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unpack opens a token produced by Pack, rejecting it if the ciphertext
// fails authentication or IssuedAt is older than Freshness.
func Unpack(token string, key []byte) (types.StartParams, error) {
	var params types.StartParams

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return params, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return params, fmt.Errorf("starttoken: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return params, fmt.Errorf("starttoken: new gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return params, ErrMalformed
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return params, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := json.Unmarshal(plaintext, &params); err != nil {
		return params, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	issued := time.Unix(params.IssuedAt, 0)
	if time.Since(issued) > Freshness {
		return params, ErrExpired
	}

	return params, nil
}
