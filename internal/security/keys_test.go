package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTenantKey_Deterministic(t *testing.T) {
	ring := NewKeyRing(testSecret)

	a, err := ring.TenantKey("tenant-a", "webhook-signing")
	require.NoError(t, err)
	b, err := ring.TenantKey("tenant-a", "webhook-signing")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same tenant and purpose derive the same key")
	assert.Len(t, a, 32)
}

func TestTenantKey_BoundToTenantAndPurpose(t *testing.T) {
	ring := NewKeyRing(testSecret)

	base, err := ring.TenantKey("tenant-a", "webhook-signing")
	require.NoError(t, err)

	other, err := ring.TenantKey("tenant-b", "webhook-signing")
	require.NoError(t, err)
	assert.NotEqual(t, base, other)

	purpose, err := ring.TenantKey("tenant-a", "session-cookie")
	require.NoError(t, err)
	assert.NotEqual(t, base, purpose)
}

func TestNewToken_CarriesScopeInline(t *testing.T) {
	token, err := NewToken("write")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "wopr_write_"), token)
	assert.Greater(t, len(token), len("wopr_write_")+32)
}

func TestNewNodeSecret_Unique(t *testing.T) {
	a, err := NewNodeSecret()
	require.NoError(t, err)
	b, err := NewNodeSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
