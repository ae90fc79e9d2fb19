package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("SWARM_CONFIG", "")

	f, err := parseFlags([]string{"--config", "c.yaml", "scan", "--json", "--limit=3", "the lab"})
	require.NoError(t, err)
	assert.Equal(t, "c.yaml", f.config)
	assert.Equal(t, 3, f.limit)
	assert.True(t, f.json)
	assert.Equal(t, []string{"scan", "the lab"}, f.args)

	f, err = parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "swarm.yaml", f.config)

	t.Setenv("SWARM_CONFIG", "/etc/swarm.yaml")
	f, err = parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/swarm.yaml", f.config)

	for _, bad := range [][]string{{"--config"}, {"--limit", "x"}, {"--verbose"}} {
		_, err := parseFlags(bad)
		assert.Error(t, err, "%v", bad)
	}
}
