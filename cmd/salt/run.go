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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sage-x-project/saltcore/internal/daemon"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/transport/tcp"
	"github.com/sage-x-project/saltcore/wire"
	"github.com/spf13/cobra"
)

var (
	runConfigPath string
	runTimeout    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <runner>.<fun> [args...]",
	Short: "invoke a master-side runner function",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunner,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to the master config file")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Second, "time to wait for the master's reply")
}

func runRunner(cmd *cobra.Command, args []string) error {
	function, rest := args[0], args[1:]

	cfg, err := daemon.LoadConfig(runConfigPath, "master")
	if err != nil {
		return err
	}
	if cfg.Master == nil {
		return fmt.Errorf("config has no master section")
	}

	secret, err := daemon.LoadOrGenerateOperatorSecret(cfg.PKI.Directory)
	if err != nil {
		return fmt.Errorf("load operator secret: %w", err)
	}

	argJSON, err := json.Marshal(rest)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	client, err := tcp.DialRequest(ctx, cfg.Master.RequestAddr, nil)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer client.Close()

	opReq := wire.OperatorRequest{Secret: secret, Action: wire.OperatorRun, Function: function, Arg: argJSON}
	load, err := json.Marshal(opReq)
	if err != nil {
		return err
	}
	env := wire.Envelope{Enc: wire.EncOperator, Load: load, Sender: "salt-cli"}
	envBytes, err := env.Marshal()
	if err != nil {
		return err
	}

	respBytes, err := client.Do(ctx, transport.Request{CorrelationID: uuid.NewString(), Payload: envBytes})
	if err != nil {
		return err
	}

	var respEnv wire.Envelope
	if err := respEnv.Unmarshal(respBytes); err != nil {
		return err
	}
	var reply wire.OperatorReply
	if err := json.Unmarshal(respEnv.Load, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("runner failed: %s", reply.Error)
	}

	fmt.Println(string(reply.Result))
	return nil
}
