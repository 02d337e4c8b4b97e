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
	"gopkg.in/yaml.v3"
)

var (
	publishConfigPath string
	publishTimeout    time.Duration
	publishOutput     string
)

var publishCmd = &cobra.Command{
	Use:   "publish <target> <fun> [args...]",
	Short: "publish a function call to a target expression",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishConfigPath, "config", "", "path to the master config file")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 30*time.Second, "time to wait for the master's reply")
	publishCmd.Flags().StringVar(&publishOutput, "output", "text", "output format: json, yaml, or text")
}

func runPublish(cmd *cobra.Command, args []string) error {
	targetExpr, function, rest := args[0], args[1], args[2:]

	cfg, err := daemon.LoadConfig(publishConfigPath, "master")
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

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	client, err := tcp.DialRequest(ctx, cfg.Master.RequestAddr, nil)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer client.Close()

	opReq := wire.OperatorRequest{
		Secret:     secret,
		Action:     wire.OperatorPublish,
		Function:   function,
		Arg:        argJSON,
		TargetExpr: targetExpr,
		TargetKind: "glob",
	}
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
		return fmt.Errorf("master rejected job: %s", reply.Error)
	}

	return printResult(reply)
}

func printResult(reply wire.OperatorReply) error {
	switch publishOutput {
	case "json":
		out, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case "yaml":
		out, err := yaml.Marshal(reply)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	default:
		fmt.Printf("jid: %s\n", reply.JID)
	}
	return nil
}
