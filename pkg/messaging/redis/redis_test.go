package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigOptions(t *testing.T) {
	opts, err := Config{
		URL:          "redis://:secret@cache.internal:6380/2",
		MaxRetries:   4,
		RetryBackoff: 250 * time.Millisecond,
		PoolSize:     7,
		MinIdleConns: 3,
	}.Options()
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 4, opts.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, opts.MinRetryBackoff)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, 3, opts.MinIdleConns)
}

func TestConfigOptionsRejectsBadURL(t *testing.T) {
	_, err := Config{URL: "http://not-redis"}.Options()
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	raw := []byte(`{"type":"ride_requested"}`)

	got, err := encode(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = encode(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = encode(map[string]string{"type": "order_confirmed"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"order_confirmed"}`, string(got))

	_, err = encode(make(chan int))
	assert.Error(t, err)
}
