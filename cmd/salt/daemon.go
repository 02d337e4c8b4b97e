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
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var daemonConfigPath string

// daemonBinaries maps a role to the dedicated binary that implements it;
// `salt daemon <role>` is a thin re-exec so operators have one entrypoint
// to remember while each role still ships as its own small, independently
// deployable binary.
var daemonBinaries = map[string]string{
	"master": "salt-master",
	"minion": "salt-minion",
	"syndic": "salt-syndic",
}

var daemonCmd = &cobra.Command{
	Use:       "daemon master|minion|syndic",
	Short:     "run a master, minion, or syndic daemon in the foreground",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"master", "minion", "syndic"},
	RunE:      runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonConfigPath, "config", "", "path to the daemon's config file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	bin, ok := daemonBinaries[args[0]]
	if !ok {
		return fmt.Errorf("unknown daemon role %q", args[0])
	}

	binPath, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("%s not found on PATH: %w", bin, err)
	}

	var daemonArgs []string
	if daemonConfigPath != "" {
		daemonArgs = append(daemonArgs, "--config", daemonConfigPath)
	}

	proc := exec.Command(binPath, daemonArgs...)
	proc.Stdin = os.Stdin
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr
	return proc.Run()
}
