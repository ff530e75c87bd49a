// Copyright 2026 The Keystone Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// coordinator runs the Keystone cluster coordinator: the authoritative
// server list and tablet map, and the master recovery manager.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/keystonedb/keystone/pkg/base"
	"github.com/keystonedb/keystone/pkg/coordinator"
	"github.com/keystonedb/keystone/pkg/util/log"
)

var (
	configPath          string
	maxActiveRecoveries int
	metricsAddr         string
	verbosity           int32
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "keystone cluster coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start the coordinator",
		RunE:  runStart,
	}
	flags := startCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.IntVar(&maxActiveRecoveries, "max-active-recoveries", 0,
		"bound on concurrent master recoveries (overrides config)")
	flags.StringVar(&metricsAddr, "metrics-addr", "",
		"listen address for Prometheus metrics (overrides config)")
	flags.Int32Var(&verbosity, "verbosity", 0, "log verbosity level")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := base.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = base.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if maxActiveRecoveries > 0 {
		cfg.MaxActiveRecoveries = maxActiveRecoveries
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if verbosity > 0 {
		cfg.LogVerbosity = verbosity
	}
	log.SetVerbosity(cfg.LogVerbosity)

	ctx := context.Background()
	serverList := coordinator.NewCoordinatorServerList(nil /* notifier */)
	tabletMap := coordinator.NewTabletMap()
	mrm := coordinator.NewMasterRecoveryManager(cfg, serverList, tabletMap, nil /* starter */)
	mrm.Start(ctx)
	defer mrm.Halt()
	log.Infof(ctx, "coordinator started (max active recoveries: %d)",
		cfg.MaxActiveRecoveries)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, "metrics server: %v", err)
		}
	}()
	defer func() {
		_ = srv.Shutdown(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof(ctx, "received %s, shutting down", sig)
	return nil
}
