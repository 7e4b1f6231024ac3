// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command tripchat runs the trip-bound chat session daemon.
//
// Usage:
//
//	tripchat run --config tripchat.yaml
//	tripchat run --config tripchat.yaml --trace
//	tripchat clean --config tripchat.yaml
//	tripchat clean --config tripchat.yaml --trip trip-42 --user user-7
//
// The run command connects to the messaging backend, restores persisted
// session state, and keeps the phase state machine live until interrupted.
// The clean command removes expired persisted records, or every record for
// one (trip, user) pair when both flags are given.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath     string
	enableTrace bool

	cleanTripID string
	cleanUserID string

	rootCmd = &cobra.Command{
		Use:   "tripchat",
		Short: "Event-bound chat session manager",
		Long: `tripchat keeps a trip conversation alive across its preparation, live,
and debrief phases: it connects to the messaging backend, persists session
state locally, and syncs queued user actions under unreliable connectivity.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the chat session daemon",
		RunE:  runDaemon,
	}

	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove expired or per-user persisted state",
		Long: `Without flags, removes records older than the configured retention
window. With --trip and --user, removes every record for that pair.`,
		RunE: runClean,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "tripchat.yaml", "path to the config file")
	runCmd.Flags().BoolVar(&enableTrace, "trace", false, "emit spans to stdout")
	cleanCmd.Flags().StringVar(&cleanTripID, "trip", "", "trip id to clear (requires --user)")
	cleanCmd.Flags().StringVar(&cleanUserID, "user", "", "user id to clear (requires --trip)")
	rootCmd.AddCommand(runCmd, cleanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
