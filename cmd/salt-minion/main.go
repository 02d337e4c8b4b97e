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

// Command salt-minion runs the Minion daemon in the foreground: it
// authenticates to its master, subscribes to the publish channel, and
// executes dispatched jobs in a bounded worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sage-x-project/saltcore/auth"
	"github.com/sage-x-project/saltcore/internal/daemon"
	"github.com/sage-x-project/saltcore/internal/logger"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/minion"
	"github.com/sage-x-project/saltcore/pkg/version"
	"github.com/sage-x-project/saltcore/transport/tcp"
)

func main() {
	configPath := flag.String("config", "", "path to the minion config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		version.PrintVersion()
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "salt-minion: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	daemon.LoadEnv()

	cfg, err := daemon.LoadConfig(configPath, "minion")
	if err != nil {
		return err
	}
	if cfg.Minion == nil {
		return fmt.Errorf("config has no minion section")
	}
	if len(cfg.Minion.MasterAddrs) < 2 {
		return fmt.Errorf("minion config must list [publish_addr, request_addr] in master_addrs")
	}

	log := daemon.NewLogger(cfg.Logging)
	log.Info("starting salt-minion", logger.String("id", cfg.Minion.ID), logger.String("version", version.Short()))

	key, err := daemon.LoadOrGenerateKeyPair(cfg.PKI.Directory, cfg.Minion.ID, cfg.PKI.KeySize)
	if err != nil {
		return fmt.Errorf("load minion key pair: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publishAddr, requestAddr := cfg.Minion.MasterAddrs[0], cfg.Minion.MasterAddrs[1]

	pubClient := tcp.NewPublishClient(publishAddr, nil)
	defer pubClient.Close()

	reqClient, err := tcp.DialRequest(ctx, requestAddr, nil)
	if err != nil {
		return fmt.Errorf("dial master request channel: %w", err)
	}
	defer reqClient.Close()

	pin, err := auth.NewFilePinner(daemon.MasterPinPath(cfg.PKI.Directory))
	if err != nil {
		return fmt.Errorf("load pinned master key: %w", err)
	}
	client := auth.NewClient(cfg.Minion.ID, key, auth.NewSubmitter(reqClient), pin)

	functions := minion.NewRegistry()
	minion.RegisterBuiltins(functions)

	engine := minion.NewEngine(cfg.Minion.ID, functions, client.Authenticate, pubClient, reqClient, key, pin, minion.Config{
		Workers:       cfg.Minion.Concurrency,
		QueueCapacity: cfg.Minion.QueueDepth,
		BeatInterval:  cfg.Minion.BeatInterval,
		ReturnRetries: cfg.Minion.ReturnRetries,
		Grains:        cfg.Minion.Grains,
		Pillar:        cfg.Minion.Pillar,
		IPs:           cfg.Minion.IPs,
	})
	defer engine.Close()

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

	log.Info("salt-minion ready", logger.String("master", publishAddr))
	return engine.Run(ctx)
}
