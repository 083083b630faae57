// Copyright 2024 Andrew Dunstall. All rights reserved.
//
// Use of this source code is governed by a MIT style license that can be
// found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jrydberg/nesoi/internal/node"
	"github.com/jrydberg/nesoi/pkg/config"
	"github.com/jrydberg/nesoi/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "start a cluster node",
		Long: `Start a nesoi cluster node.

A node replicates its keystore with the rest of the cluster by gossip,
elects a single leader, and serves the REST API for managing apps,
service hosts and webhook subscriptions.

Examples:
  # Start a single node cluster, gossiping on 0.0.0.0:6553 and serving
  # the REST API on port 6554.
  nesoi server --listen-address 0.0.0.0

  # Start a node that joins an existing cluster.
  nesoi server --listen-address 0.0.0.0 --seed 10.26.104.45:6553
`,
	}

	var id string
	var conf node.Config
	var fileConf config.Config

	fileConf.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&id, "id", "", `
Unique identifier for this node.

If unset a random ID is generated on startup.`)
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := fileConf.Load(&conf); err != nil {
			fmt.Printf("failed to load config: %s\n", err.Error())
			os.Exit(1)
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		run(id, &conf, logger)
	}

	return cmd
}

func run(id string, conf *node.Config, logger log.Logger) {
	logger.Info("starting nesoi node", zap.Any("conf", conf))

	registry := prometheus.NewRegistry()

	n, err := node.New(id, conf, registry, logger)
	if err != nil {
		logger.Error("failed to create node", zap.Error(err))
		os.Exit(1)
	}

	if err := n.Join(); err != nil {
		logger.Error("failed to join cluster", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.Serve(); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		logger.Info("starting shutdown")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), n.GracePeriod(),
		)
		defer cancel()

		if err := n.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown node", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("failed to run node", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
