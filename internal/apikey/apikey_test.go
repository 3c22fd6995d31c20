package apikey

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tenant := uuid.New()
	key, raw, err := New(tenant, "  ci  ", []string{ScopeAdmin})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "rf_"))
	assert.Len(t, raw, len("rf_")+2*secretBytes)
	assert.Equal(t, raw[:PrefixLen], key.KeyPrefix)
	assert.Equal(t, tenant, key.TenantID)
	assert.Equal(t, "ci", key.Name)
	assert.Equal(t, []string{ScopeAdmin}, key.Scopes)
	assert.NotContains(t, key.KeyHash, raw)

	assert.True(t, Matches(key, raw))
	assert.False(t, Matches(key, raw+"x"))
}

func TestNew_Unique(t *testing.T) {
	_, a, err := New(uuid.New(), "a", nil)
	require.NoError(t, err)
	key, b, err := New(uuid.New(), "b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotNil(t, key.Scopes)
}

func TestNew_RequiresName(t *testing.T) {
	_, _, err := New(uuid.New(), " ", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "", Prefix("short"))
	assert.Equal(t, "rf_12345", Prefix("rf_123456789"))
}
