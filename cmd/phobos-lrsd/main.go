/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/cea-hpc/phobos/config"
	"github.com/cea-hpc/phobos/internal/logging"
	"github.com/cea-hpc/phobos/pkg/lrs"
	"github.com/cea-hpc/phobos/version"
)

func main() {
	var (
		cfg         config.Config
		configPath  string
		showVersion bool
	)

	app := &cli.App{
		Name:        "phobos-lrsd",
		Usage:       "Phobos local resource scheduler daemon",
		HideVersion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the TOML configuration file",
				Value: "/etc/phobos/lrsd.toml", Destination: &configPath},
			&cli.StringFlag{Name: "family", Usage: "resource family to manage (tape, dir, rados_pool)",
				Destination: &cfg.Family},
			&cli.StringFlag{Name: "root-dir", Usage: "daemon work directory",
				Destination: &cfg.RootDir},
			&cli.StringFlag{Name: "socket", Usage: "client socket path",
				Destination: &cfg.SocketPath},
			&cli.StringFlag{Name: "log-level", Usage: "logging level (trace, debug, info, warn, error)",
				Value: config.DefaultLogLevel, Destination: &cfg.LogLevel},
			&cli.BoolFlag{Name: "log-to-stdout", Usage: "log to stdout instead of rotated files",
				Destination: &cfg.LogToStdout},
			&cli.BoolFlag{Name: "version", Usage: "print version and exit",
				Destination: &showVersion},
		},
		Action: func(c *cli.Context) error {
			if showVersion {
				fmt.Println("Version:    ", version.Version)
				fmt.Println("Revision:   ", version.Revision)
				fmt.Println("Build time: ", version.BuildTimestamp)
				return nil
			}

			var fileCfg config.Config
			if err := config.LoadFile(configPath, &fileCfg); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			mergeConfig(&cfg, &fileCfg)
			if err := cfg.FillupWithDefaults(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			logRotateArgs := &logging.RotateLogArgs{
				RotateLogMaxSize:    cfg.RotateLogMaxSize,
				RotateLogMaxBackups: cfg.RotateLogMaxBackups,
				RotateLogMaxAge:     cfg.RotateLogMaxAge,
				RotateLogLocalTime:  cfg.RotateLogLocalTime,
				RotateLogCompress:   cfg.RotateLogCompress,
			}
			if err := logging.SetUp(cfg.LogLevel, cfg.LogToStdout, cfg.LogDir, logRotateArgs); err != nil {
				return errors.Wrap(err, "failed to set up logger")
			}

			ctx := logging.WithContext()
			log.G(ctx).Infof("Start phobos-lrsd. PID %d Version %s Family %s",
				os.Getpid(), version.Version, cfg.Family)

			daemon, err := lrs.New(ctx, cfg, lrs.Options{})
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemon.Run(runCtx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Fatal("failed to start phobos-lrsd")
	}
}

// mergeConfig backfills flag-built config with file values; flags win.
func mergeConfig(dst, src *config.Config) {
	if dst.Family == "" {
		dst.Family = src.Family
	}
	if dst.RootDir == "" {
		dst.RootDir = src.RootDir
	}
	if dst.SocketPath == "" {
		dst.SocketPath = src.SocketPath
	}
	dst.Hostname = src.Hostname
	dst.AdminSocket = src.AdminSocket
	dst.LockFile = src.LockFile
	dst.MountPrefix = src.MountPrefix
	dst.Policy = src.Policy
	dst.LogDir = src.LogDir
	dst.RotateLogMaxSize = src.RotateLogMaxSize
	dst.RotateLogMaxBackups = src.RotateLogMaxBackups
	dst.RotateLogMaxAge = src.RotateLogMaxAge
	dst.RotateLogLocalTime = src.RotateLogLocalTime
	dst.RotateLogCompress = src.RotateLogCompress
	dst.Sync = src.Sync
	dst.DriveCompat = src.DriveCompat
	dst.LTFSCommand = src.LTFSCommand
	dst.ChangerCommand = src.ChangerCommand
	dst.ChangerDevice = src.ChangerDevice
	dst.RadosCluster = src.RadosCluster
	dst.RadosUser = src.RadosUser
	dst.RadosConfFile = src.RadosConfFile
}
