package config

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	assert := assert.New(t)

	{
		cfg, err := FromFile(os.DevNull, DefaultFullNode())
		assert.Nil(err, "error should be nil")
		assert.Equal(DefaultFullNode(), cfg,
			"config from empty file should be the same as default")
	}

	{
		cfg, err := FromFile("./does-not-exist.toml", DefaultFullNode())
		assert.Nil(err, "error should be nil")
		assert.Equal(DefaultFullNode(), cfg,
			"config from not existing file should be the same as default")
	}
}

func TestDurationFields(t *testing.T) {
	cfg, err := FromReader(bytes.NewReader([]byte(`
[API]
Timeout = "10s"
[Pin]
GCInterval = "1h"
`)), DefaultFullNode())
	require.NoError(t, err)

	full := cfg.(*FullNode)
	require.Equal(t, Duration(10*time.Second), full.API.Timeout)
	require.Equal(t, Duration(time.Hour), full.Pin.GCInterval)
}

func TestConfigCommentRoundtrip(t *testing.T) {
	// the commented default config must still parse, and must not move
	// anything off the defaults
	b, err := ConfigComment(DefaultFullNode())
	require.NoError(t, err)

	cfg, err := FromReader(bytes.NewReader(b), DefaultFullNode())
	require.NoError(t, err)
	require.Equal(t, DefaultFullNode(), cfg)
}
