// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNilReaderYieldsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "239.255.99.63", cfg.Discovery.GroupAddress)
	assert.Equal(t, 55555, cfg.Discovery.Port)
	assert.NotEmpty(t, cfg.Nickname)
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
nickname: alice
discovery:
  port: 6000
server:
  enabled: true
  channels:
    - "#general"
autoJoin:
  - "#dev-*"
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Nickname)
	assert.Equal(t, 6000, cfg.Discovery.Port)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, []string{"#general"}, cfg.Server.Channels)
	assert.Equal(t, []string{"#dev-*"}, cfg.AutoJoin)
}

func TestLoadRejectsBadGlob(t *testing.T) {
	doc := `autoJoin: ["[unterminated"]`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestAutoJoinGlobsMatch(t *testing.T) {
	cfg := Default()
	cfg.AutoJoin = []string{"#dev-*"}

	globs, err := cfg.AutoJoinGlobs()
	require.NoError(t, err)
	require.Len(t, globs, 1)
	assert.True(t, globs[0].Match("#dev-frontend"))
	assert.False(t, globs[0].Match("#general"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Nickname = "bob"
	cfg.AutoJoin = []string{"#general"}

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, cfg))

	got, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.Nickname, got.Nickname)
	assert.Equal(t, cfg.AutoJoin, got.AutoJoin)
}

func TestDiscoveryAddress(t *testing.T) {
	d := DiscoveryConfiguration{GroupAddress: "239.255.99.63", Port: 55555}
	assert.Equal(t, "239.255.99.63:55555", d.DiscoveryAddress())
}
