/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config loads the daemon configuration: a TOML file merged
// with command-line flags, completed with defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/types"
)

const (
	DefaultLogLevel = "info"
	DefaultRootDir  = "/var/lib/phobos"
	DefaultPolicy   = "best_fit"

	defaultSyncNbRequests = 5
	defaultSyncWritten    = "1GiB"
	defaultSyncMaxAge     = 10 * time.Second
)

// SyncThresholds is the per-family sync trigger configuration. Written
// sizes accept human-readable units ("16MiB").
type SyncThresholds struct {
	NbRequests int    `toml:"nb_requests"`
	Written    string `toml:"written"`
	MaxAgeMs   int64  `toml:"max_age_ms"`
}

// Config is the daemon configuration blob.
type Config struct {
	Family   string `toml:"family"`
	Hostname string `toml:"hostname"`

	RootDir     string `toml:"root_dir"`
	SocketPath  string `toml:"socket_path"`
	AdminSocket string `toml:"admin_socket_path"`
	LockFile    string `toml:"lock_file"`
	MountPrefix string `toml:"mount_prefix"`

	Policy string `toml:"policy"`

	LogLevel            string `toml:"-"`
	LogDir              string `toml:"log_dir"`
	LogToStdout         bool   `toml:"log_to_stdout"`
	RotateLogMaxSize    int    `toml:"log_rotate_max_size"`
	RotateLogMaxBackups int    `toml:"log_rotate_max_backups"`
	RotateLogMaxAge     int    `toml:"log_rotate_max_age"`
	RotateLogLocalTime  bool   `toml:"log_rotate_local_time"`
	RotateLogCompress   bool   `toml:"log_rotate_compress"`

	// Sync thresholds, keyed by family name.
	Sync map[string]SyncThresholds `toml:"sync"`

	// DriveCompat maps a tape drive model to accepted cartridge models.
	DriveCompat map[string][]string `toml:"drive_compat"`

	LTFSCommand    string `toml:"ltfs_command"`
	ChangerCommand string `toml:"changer_command"`
	ChangerDevice  string `toml:"changer_device"`

	RadosCluster  string `toml:"rados_cluster"`
	RadosUser     string `toml:"rados_user"`
	RadosConfFile string `toml:"rados_conf_file"`
}

// LoadFile reads a TOML configuration file into config. A missing file
// is not an error; flags and defaults take over.
func LoadFile(path string, config *Config) error {
	if path == "" {
		return errors.New("config path cannot be empty")
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to load config file %q", path)
	}
	if err := tree.Unmarshal(config); err != nil {
		return errors.Wrapf(err, "failed to unmarshal config file %q", path)
	}
	return nil
}

// FillupWithDefaults completes the blob.
func (c *Config) FillupWithDefaults() error {
	if c.Family == "" {
		c.Family = string(types.FamilyDir)
	}
	if !types.Family(c.Family).Valid() {
		return errors.Errorf("unknown family %q", c.Family)
	}
	if c.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "resolve hostname")
		}
		c.Hostname = host
	}
	if c.RootDir == "" {
		c.RootDir = DefaultRootDir
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.RootDir, "lrs-"+c.Family+".sock")
	}
	if c.AdminSocket == "" {
		c.AdminSocket = filepath.Join(c.RootDir, "lrs-"+c.Family+"-admin.sock")
	}
	if c.LockFile == "" {
		c.LockFile = filepath.Join(c.RootDir, "lrs-"+c.Family+".lock")
	}
	if c.MountPrefix == "" {
		c.MountPrefix = filepath.Join(c.RootDir, "mnt")
	}
	if c.Policy == "" {
		c.Policy = DefaultPolicy
	}
	if c.Policy != "best_fit" && c.Policy != "first_fit" {
		return errors.Errorf("unknown policy %q", c.Policy)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.RootDir, "logs")
	}
	if c.Sync == nil {
		c.Sync = make(map[string]SyncThresholds)
	}
	if _, ok := c.Sync[c.Family]; !ok {
		c.Sync[c.Family] = SyncThresholds{
			NbRequests: defaultSyncNbRequests,
			Written:    defaultSyncWritten,
			MaxAgeMs:   defaultSyncMaxAge.Milliseconds(),
		}
	}
	return nil
}

// SyncFor resolves the thresholds of a family into byte counts and
// durations.
func (c *Config) SyncFor(family types.Family) (nbRequests int, written int64, maxAge time.Duration, err error) {
	t, ok := c.Sync[string(family)]
	if !ok {
		t = SyncThresholds{
			NbRequests: defaultSyncNbRequests,
			Written:    defaultSyncWritten,
			MaxAgeMs:   defaultSyncMaxAge.Milliseconds(),
		}
	}
	written = 0
	if t.Written != "" {
		written, err = units.RAMInBytes(t.Written)
		if err != nil {
			return 0, 0, 0, errors.Wrapf(err, "sync written threshold %q", t.Written)
		}
	}
	return t.NbRequests, written, time.Duration(t.MaxAgeMs) * time.Millisecond, nil
}
