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

	"github.com/sage-x-project/saltcore/internal/daemon"
	"github.com/sage-x-project/saltcore/keystore"
	"github.com/spf13/cobra"
)

var keyConfigPath string

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "manage the minion key store",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "list minion keys",
	RunE:  runKeyList,
}

var keyAcceptCmd = &cobra.Command{
	Use:   "accept <MinionID>",
	Short: "accept a pending minion key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyTransition(func(s *keystore.Store, id string) (*keystore.Record, error) { return s.Accept(id) }),
}

var keyRejectCmd = &cobra.Command{
	Use:   "reject <MinionID>",
	Short: "reject a pending minion key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyTransition(func(s *keystore.Store, id string) (*keystore.Record, error) { return s.Reject(id) }),
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete [<MinionID>]",
	Short: "delete a minion key, or all keys with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeyDelete,
}

var keyDeleteAll bool
var keyListState string

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.PersistentFlags().StringVar(&keyConfigPath, "config", "", "path to the master config file")
	keyCmd.AddCommand(keyListCmd, keyAcceptCmd, keyRejectCmd, keyDeleteCmd)

	keyListCmd.Flags().StringVar(&keyListState, "state", "", "filter by state (pending, accepted, rejected, denied)")
	keyDeleteCmd.Flags().BoolVar(&keyDeleteAll, "all", false, "delete every key")
}

func openKeystoreFromConfig(path string) (*keystore.Store, error) {
	cfg, err := daemon.LoadConfig(path, "master")
	if err != nil {
		return nil, err
	}
	if cfg.PKI == nil {
		return nil, fmt.Errorf("config has no pki section")
	}
	return daemon.OpenKeystore(cfg.PKI.Directory, cfg.PKI.AcceptedDir)
}

func runKeyList(cmd *cobra.Command, args []string) error {
	store, err := openKeystoreFromConfig(keyConfigPath)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, rec := range store.List(keystore.State(keyListState)) {
		fmt.Printf("%-32s %s\n", rec.MinionID, rec.State)
	}
	return nil
}

func runKeyTransition(transition func(*keystore.Store, string) (*keystore.Record, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := openKeystoreFromConfig(keyConfigPath)
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := transition(store, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", rec.MinionID, rec.State)
		return nil
	}
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	store, err := openKeystoreFromConfig(keyConfigPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if keyDeleteAll {
		for _, rec := range store.List("") {
			if err := store.Delete(rec.MinionID); err != nil {
				return err
			}
		}
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("key delete requires a MinionID or --all")
	}
	return store.Delete(args[0])
}
