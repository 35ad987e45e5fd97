/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobos/pkg/types"
)

func TestFillupWithDefaults(t *testing.T) {
	c := Config{Family: "tape", RootDir: "/var/lib/phobos-test"}
	require.NoError(t, c.FillupWithDefaults())

	assert.NotEmpty(t, c.Hostname)
	assert.Equal(t, "/var/lib/phobos-test/lrs-tape.sock", c.SocketPath)
	assert.Equal(t, "/var/lib/phobos-test/lrs-tape.lock", c.LockFile)
	assert.Equal(t, filepath.Join(c.RootDir, "mnt"), c.MountPrefix)
	assert.Equal(t, DefaultPolicy, c.Policy)
	assert.Contains(t, c.Sync, "tape")
}

func TestFillupRejectsUnknownFamily(t *testing.T) {
	c := Config{Family: "floppy"}
	assert.Error(t, c.FillupWithDefaults())

	c = Config{Family: "dir", Policy: "random"}
	assert.Error(t, c.FillupWithDefaults())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lrsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
family = "tape"
policy = "first_fit"
mount_prefix = "/mnt/phobos"

[sync.tape]
nb_requests = 3
written = "16MiB"
max_age_ms = 2000

[drive_compat]
ULT3580-TD5 = ["LTO5", "LTO4"]
`), 0644))

	var c Config
	require.NoError(t, LoadFile(path, &c))
	require.NoError(t, c.FillupWithDefaults())

	assert.Equal(t, "first_fit", c.Policy)
	assert.Equal(t, "/mnt/phobos", c.MountPrefix)
	assert.Equal(t, []string{"LTO5", "LTO4"}, c.DriveCompat["ULT3580-TD5"])

	nb, written, maxAge, err := c.SyncFor(types.FamilyTape)
	require.NoError(t, err)
	assert.Equal(t, 3, nb)
	assert.Equal(t, int64(16<<20), written)
	assert.Equal(t, 2*time.Second, maxAge)
}

func TestLoadFileMissingIsNotFatal(t *testing.T) {
	var c Config
	assert.NoError(t, LoadFile(filepath.Join(t.TempDir(), "nope.toml"), &c))
}

func TestSyncForDefaults(t *testing.T) {
	c := Config{Family: "dir"}
	require.NoError(t, c.FillupWithDefaults())

	nb, written, maxAge, err := c.SyncFor(types.FamilyRados)
	require.NoError(t, err)
	assert.Equal(t, defaultSyncNbRequests, nb)
	assert.Equal(t, int64(1<<30), written)
	assert.Equal(t, defaultSyncMaxAge, maxAge)
}

func TestSyncForBadUnit(t *testing.T) {
	c := Config{
		Family: "tape",
		Sync:   map[string]SyncThresholds{"tape": {Written: "a lot"}},
	}
	require.NoError(t, c.FillupWithDefaults())
	_, _, _, err := c.SyncFor(types.FamilyTape)
	assert.Error(t, err)
}
