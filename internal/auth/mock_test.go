package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDevValidator_Verify_WithValidJWT(t *testing.T) {
	dev := &DevValidator{}

	payload := map[string]interface{}{
		"sub":  "test-user-123",
		"tier": "pro",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + encodedPayload + ".fake-signature"

	identity, err := dev.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "test-user-123", identity.UserID)
	assert.Equal(t, "pro", identity.Tier)
}

func TestDevValidator_Verify_WithInvalidJWT(t *testing.T) {
	dev := &DevValidator{}

	identity, err := dev.Verify("invalid-token")
	assert.NoError(t, err)
	assert.Equal(t, "dev-user", identity.UserID)
	assert.Equal(t, "free", identity.Tier)
}

func TestDevValidator_Verify_WithPartialClaims(t *testing.T) {
	dev := &DevValidator{}

	payload := map[string]interface{}{
		"sub": "partial-user",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "header." + encodedPayload + ".signature"

	identity, err := dev.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "partial-user", identity.UserID)
	assert.Equal(t, "free", identity.Tier)
}
