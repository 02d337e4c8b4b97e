// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Command salt-master runs the Master daemon in the foreground: it listens
// for minion connections on the publish and request channels, approves or
// rejects keys against its on-disk keystore, and dispatches jobs submitted
// to it over the same request channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sage-x-project/saltcore/eventbus"
	"github.com/sage-x-project/saltcore/internal/daemon"
	"github.com/sage-x-project/saltcore/internal/logger"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/jobcache"
	"github.com/sage-x-project/saltcore/master"
	"github.com/sage-x-project/saltcore/pkg/version"
	"github.com/sage-x-project/saltcore/transport/tcp"
)

func main() {
	configPath := flag.String("config", "", "path to the master config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		version.PrintVersion()
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "salt-master: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	daemon.LoadEnv()

	cfg, err := daemon.LoadConfig(configPath, "master")
	if err != nil {
		return err
	}
	if cfg.Master == nil {
		return fmt.Errorf("config has no master section")
	}

	log := daemon.NewLogger(cfg.Logging)
	log.Info("starting salt-master", logger.String("version", version.Short()))

	key, err := daemon.LoadOrGenerateKeyPair(cfg.PKI.Directory, "master", cfg.PKI.KeySize)
	if err != nil {
		return fmt.Errorf("load master key pair: %w", err)
	}

	store, err := daemon.OpenKeystore(cfg.PKI.Directory, cfg.PKI.AcceptedDir)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	returner, err := daemon.OpenReturner(ctx, cfg.Master)
	if err != nil {
		return fmt.Errorf("open job cache: %w", err)
	}
	defer returner.Close()

	opSecret, err := daemon.LoadOrGenerateOperatorSecret(cfg.PKI.Directory)
	if err != nil {
		return fmt.Errorf("load operator secret: %w", err)
	}

	pubServer, err := tcp.ListenPublish(cfg.Master.PublishAddr, nil)
	if err != nil {
		return fmt.Errorf("listen publish: %w", err)
	}
	defer pubServer.Close()

	reqServer, err := tcp.ListenRequest(cfg.Master.RequestAddr, nil)
	if err != nil {
		return fmt.Errorf("listen request: %w", err)
	}
	defer reqServer.Close()

	m := master.New(master.Config{
		Key:           key,
		Keystore:      store,
		Returner:      returner,
		Bus:           eventbus.New(1024),
		PublishServer:  pubServer,
		RequestServer:  reqServer,
		GatherTimeout:  cfg.Master.GatherTimeout,
		OperatorSecret: opSecret,
	})

	go jobcache.PruneLoop(ctx, returner, cfg.Master.KeepJobs, 0)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", logger.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("salt-master ready",
		logger.String("publish_addr", cfg.Master.PublishAddr),
		logger.String("request_addr", cfg.Master.RequestAddr),
	)
	return m.Serve(ctx)
}
