// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftline/tripchat/config"
	"github.com/driftline/tripchat/persist"
	"github.com/driftline/tripchat/pkg/logging"
)

func runClean(cmd *cobra.Command, _ []string) error {
	if (cleanTripID == "") != (cleanUserID == "") {
		return errors.New("--trip and --user must be given together")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "tripchat",
	})
	defer log.Close()

	store, err := openStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pcfg := persist.DefaultConfig()
	pcfg.Retention = cfg.Retention()
	pcfg.Logger = log.Logger
	manager, err := persist.NewManager(store, pcfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	if cleanTripID != "" {
		if err := manager.ClearUserData(ctx, cleanTripID, cleanUserID); err != nil {
			return fmt.Errorf("clear user data: %w", err)
		}
		fmt.Printf("cleared all records for trip %s, user %s\n", cleanTripID, cleanUserID)
		return nil
	}

	removed, err := manager.ClearExpired(ctx)
	if err != nil {
		return fmt.Errorf("clear expired: %w", err)
	}
	fmt.Printf("removed %d expired records\n", removed)
	return nil
}
