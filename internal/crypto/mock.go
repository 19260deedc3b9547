package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// MockSealer implements Sealer for local development (no KMS required).
// The output is readable: "mock:<scope>:<base64 plaintext>".
type MockSealer struct{}

func NewMockSealer() *MockSealer {
	return &MockSealer{}
}

func (m *MockSealer) Seal(_ context.Context, plaintext string, scope map[string]string) (string, error) {
	if len(plaintext) > MaxPlaintext {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}
	return "mock:" + scopeString(scope) + ":" + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (m *MockSealer) Open(_ context.Context, sealed string, scope map[string]string) (string, error) {
	prefix := "mock:" + scopeString(scope) + ":"
	if !strings.HasPrefix(sealed, prefix) {
		return "", fmt.Errorf("failed to decrypt payload: scope mismatch")
	}
	plain, err := base64.StdEncoding.DecodeString(sealed[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	return string(plain), nil
}

func scopeString(scope map[string]string) string {
	keys := slices.Sorted(maps.Keys(scope))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+scope[k])
	}
	return strings.Join(parts, ",")
}
