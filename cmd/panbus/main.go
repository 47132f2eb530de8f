// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command panbus runs the message bus and talks to its admin API.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/absmach/panbus/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfgPath string
		baseURL string
	)

	root := &cobra.Command{
		Use:           "panbus",
		Short:         "In-process publish/subscribe message bus",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Admin API URL for client commands")

	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newVersionCommand())
	root.AddCommand(newPublishCommand(&baseURL))
	root.AddCommand(newRequestCommand(&baseURL))
	root.AddCommand(newStatsCommand(&baseURL))
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the panbus version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
