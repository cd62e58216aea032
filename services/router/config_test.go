// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

func TestDefaultCacheSkipStates(t *testing.T) {
	cfg := DefaultConfig()
	set := cfg.CacheSkipStates()
	for _, state := range []datatypes.LifecycleState{
		datatypes.StateViewing,
		datatypes.StateComparing,
		datatypes.StatePurchasing,
		datatypes.StateSearching,
	} {
		assert.True(t, set[state], "default skip set must include %s", state)
	}
	assert.False(t, set[datatypes.StateIdle])
	assert.False(t, set[datatypes.StateBrowsing])
}

func TestLoadConfigOverridesCacheSkipStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  skip_states: [purchasing]\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	set := cfg.CacheSkipStates()
	assert.True(t, set[datatypes.StatePurchasing])
	assert.False(t, set[datatypes.StateViewing])
}

func TestLoadConfigRejectsUnknownSkipState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  skip_states: [daydreaming]\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daydreaming")
}
