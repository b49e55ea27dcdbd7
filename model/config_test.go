package model

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/config"
	"github.com/meszmate/imap-engine/transport"
)

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Host = "imap.test"
	cfg.Server.Security = "starttls"
	cfg.Server.User = "bob"
	cfg.Server.DialTimeout = 5 * time.Second
	cfg.Cache.Mode = "persistent"
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Network.StartOffline = true
	cfg.Reconnect.Burst = 7
	cfg.Trust.File = filepath.Join(dir, "trust.toml")
	require.NoError(t, cfg.Validate())

	opts, err := FromConfig(cfg, nil)
	require.NoError(t, err)

	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	assert.Equal(t, "imap.test:143", o.Addr)
	assert.Equal(t, transport.SecurityStartTLS, o.Security)
	assert.Equal(t, "bob", o.Credentials.Username)
	assert.Equal(t, imap.NetworkOffline, o.Policy)
	assert.Equal(t, 7, o.Reconnect.Burst)
	assert.Equal(t, 5*time.Second, o.DialTimeout)
	assert.Equal(t, 5000, o.TraceCapacity)
	require.NotNil(t, o.Trust)
	fb, ok := o.Cache.(*cache.Fallback)
	require.True(t, ok)
	assert.False(t, fb.Degraded())

	m, err := New(opts...)
	require.NoError(t, err)
	assert.Equal(t, imap.NetworkOffline, m.Policy())
	require.NoError(t, m.Close())
	assert.FileExists(t, cfg.Cache.Path())
}

func TestFromConfig_MemoryCache(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "imap.test"
	require.NoError(t, cfg.Validate())

	opts, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	assert.Nil(t, o.Cache)
	assert.Nil(t, o.Trust)
	assert.Equal(t, "imap.test:993", o.Addr)
}
