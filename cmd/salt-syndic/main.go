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

// Command salt-syndic runs the Syndic daemon in the foreground: it
// authenticates upstream to a higher master like an ordinary minion, and
// simultaneously serves its own downstream minions like a master, relaying
// jobs down and aggregating returns back up under the original jid.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sage-x-project/saltcore/auth"
	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/dispatch"
	"github.com/sage-x-project/saltcore/internal/daemon"
	"github.com/sage-x-project/saltcore/internal/logger"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/pkg/version"
	"github.com/sage-x-project/saltcore/syndic"
	"github.com/sage-x-project/saltcore/target"
	"github.com/sage-x-project/saltcore/transport/tcp"
)

func main() {
	configPath := flag.String("config", "", "path to the syndic config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		version.PrintVersion()
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "salt-syndic: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	daemon.LoadEnv()

	cfg, err := daemon.LoadConfig(configPath, "syndic")
	if err != nil {
		return err
	}
	if cfg.Minion == nil {
		return fmt.Errorf("config has no minion section (upstream identity)")
	}
	if cfg.Master == nil {
		return fmt.Errorf("config has no master section (downstream listeners)")
	}
	if len(cfg.Minion.MasterAddrs) < 2 {
		return fmt.Errorf("minion config must list [publish_addr, request_addr] in master_addrs")
	}

	log := daemon.NewLogger(cfg.Logging)
	log.Info("starting salt-syndic", logger.String("id", cfg.Minion.ID), logger.String("version", version.Short()))

	upstreamKey, err := daemon.LoadOrGenerateKeyPair(cfg.PKI.Directory, cfg.Minion.ID, cfg.PKI.KeySize)
	if err != nil {
		return fmt.Errorf("load syndic upstream key pair: %w", err)
	}
	downstreamKey, err := daemon.LoadOrGenerateKeyPair(cfg.PKI.Directory, "syndic-downstream", cfg.PKI.KeySize)
	if err != nil {
		return fmt.Errorf("load syndic downstream key pair: %w", err)
	}

	downstreamStore, err := daemon.OpenKeystore(cfg.PKI.Directory, cfg.PKI.AcceptedDir)
	if err != nil {
		return fmt.Errorf("open downstream keystore: %w", err)
	}
	defer downstreamStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamPublishAddr, upstreamRequestAddr := cfg.Minion.MasterAddrs[0], cfg.Minion.MasterAddrs[1]

	upstreamPub := tcp.NewPublishClient(upstreamPublishAddr, nil)
	defer upstreamPub.Close()

	upstreamReq, err := tcp.DialRequest(ctx, upstreamRequestAddr, nil)
	if err != nil {
		return fmt.Errorf("dial upstream master request channel: %w", err)
	}
	defer upstreamReq.Close()

	upstreamPin, err := auth.NewFilePinner(daemon.MasterPinPath(cfg.PKI.Directory))
	if err != nil {
		return fmt.Errorf("load pinned master key: %w", err)
	}
	upstreamClient := auth.NewClient(cfg.Minion.ID, upstreamKey, auth.NewSubmitter(upstreamReq), upstreamPin)

	downstreamKeys := dispatch.NewKeyRegistry()
	downstreamInventory := syndic.NewInventory()
	downstreamAuth := auth.NewServer(downstreamKey, downstreamStore, nil)
	downstreamAuth.OnSessionKey(func(minionID string, raw []byte) {
		handle, err := cryptocore.NewSessionKeyHandle(raw, true)
		if err != nil {
			return
		}
		downstreamKeys.Set(minionID, handle)
		downstreamInventory.Upsert(target.Minion{ID: minionID})
	})
	defer downstreamAuth.Close()

	downstreamPub, err := tcp.ListenPublish(cfg.Master.PublishAddr, nil)
	if err != nil {
		return fmt.Errorf("listen downstream publish: %w", err)
	}
	defer downstreamPub.Close()

	downstreamReq, err := tcp.ListenRequest(cfg.Master.RequestAddr, nil)
	if err != nil {
		return fmt.Errorf("listen downstream request: %w", err)
	}
	defer downstreamReq.Close()

	relay := syndic.New(cfg.Minion.ID, upstreamClient.Authenticate, upstreamPub, upstreamReq,
		downstreamKeys, downstreamInventory, downstreamPub, cfg.Master.GatherTimeout)

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

	go func() {
		if err := downstreamReq.Serve(ctx, relay.DownstreamHandler(downstreamAuth)); err != nil && ctx.Err() == nil {
			log.Error("downstream request server stopped", logger.Error(err))
		}
	}()

	log.Info("salt-syndic ready",
		logger.String("upstream_master", upstreamPublishAddr),
		logger.String("downstream_publish_addr", cfg.Master.PublishAddr),
		logger.String("downstream_request_addr", cfg.Master.RequestAddr),
	)
	return relay.Run(ctx)
}
