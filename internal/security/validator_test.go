package security

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	limiter := NewRateLimiter(map[string]Bucket{
		"default": {Limit: 5, Window: time.Minute},
		"bulk":    {Limit: 2, Window: time.Minute},
	})
	return NewValidator(limiter, nil, 1<<20, zap.NewNop())
}

func TestValidator_KeyLifecycle(t *testing.T) {
	v := newTestValidator(t)

	key, err := v.CreateKey("worker-1", []string{"robots:*"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, key)
	assert.Contains(t, key, "rok_")

	info := v.KeyInfo(key)
	require.NotNil(t, info)
	assert.Equal(t, "worker-1", info.Name)
	assert.False(t, info.Revoked)

	require.True(t, v.RevokeKey(key))
	_, err = v.Validate(Request{APIKey: key, Operation: "robots:create"})
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.False(t, v.RevokeKey("rok_nonexistent"))
}

func TestValidator_Pipeline(t *testing.T) {
	v := newTestValidator(t)
	key, err := v.CreateKey("worker-1", []string{"robots:*", "modules:read"}, 0)
	require.NoError(t, err)

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := v.Validate(Request{APIKey: "rok_bogus", Operation: "robots:create"})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("allowed with wildcard permission", func(t *testing.T) {
		res, err := v.Validate(Request{
			APIKey:    key,
			Operation: "robots:create",
			Payload:   json.RawMessage(`{"robot_name":"probe"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, "worker-1", res.Identity)
		assert.Empty(t, res.Suspicious)
	})

	t.Run("missing permission denied", func(t *testing.T) {
		_, err := v.Validate(Request{APIKey: key, Operation: "admin:delete"})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("malformed payload rejected", func(t *testing.T) {
		_, err := v.Validate(Request{
			APIKey:    key,
			Operation: "robots:create",
			Payload:   json.RawMessage(`{"robot_name":`),
		})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("suspicious content flagged but allowed", func(t *testing.T) {
		res, err := v.Validate(Request{
			APIKey:    key,
			Operation: "robots:create",
			Payload:   json.RawMessage(`{"notes":"'; DROP TABLE robots; --"}`),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Suspicious)
	})
}

func TestValidator_ExpiredKey(t *testing.T) {
	v := newTestValidator(t)
	key, err := v.CreateKey("short-lived", []string{"*"}, time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = v.Validate(Request{APIKey: key, Operation: "robots:read"})
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestValidator_PayloadSizeCap(t *testing.T) {
	limiter := NewRateLimiter(nil)
	v := NewValidator(limiter, nil, 16, zap.NewNop())
	key, err := v.CreateKey("worker-1", []string{"*"}, 0)
	require.NoError(t, err)

	_, err = v.Validate(Request{
		APIKey:    key,
		Operation: "robots:create",
		Payload:   json.RawMessage(`{"data":"aaaaaaaaaaaaaaaaaaaaaaaa"}`),
	})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHasPermission(t *testing.T) {
	assert.True(t, hasPermission([]string{"*"}, "anything:at:all"))
	assert.True(t, hasPermission([]string{"robots:*"}, "robots:create"))
	assert.True(t, hasPermission([]string{"robots:read"}, "robots:read"))
	assert.False(t, hasPermission([]string{"robots:read"}, "robots:write"))
	assert.False(t, hasPermission(nil, "robots:read"))
}
