package webhook_test

import (
	"strings"
	"testing"

	"invoice-service/internal/webhook"
	"github.com/stretchr/testify/assert"
)

func TestSign(t *testing.T) {
	body := []byte(`{"type":"InvoiceSettled"}`)

	sig := webhook.Sign("secret-1", body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
	assert.Equal(t, sig, webhook.Sign("secret-1", body), "signing is deterministic")
	assert.NotEqual(t, sig, webhook.Sign("secret-2", body))
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"type":"InvoiceSettled"}`)
	sig := webhook.Sign("secret-1", body)

	assert.True(t, webhook.ValidSignature("secret-1", body, sig))
	assert.False(t, webhook.ValidSignature("secret-2", body, sig))
	assert.False(t, webhook.ValidSignature("secret-1", []byte(`tampered`), sig))
	assert.False(t, webhook.ValidSignature("secret-1", body, "sha256=deadbeef"))
}
