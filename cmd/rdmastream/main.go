package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmastream/internal/config"
	"github.com/piwi3910/rdmastream/internal/server"
	"github.com/piwi3910/rdmastream/internal/transport/rdma"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:   "rdmastream",
		Short: "Credit-based RDMA message transport node",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("rdmastream %s\n", version)
			fmt.Printf("  Commit: %s\n", commit)
			fmt.Printf("  Built:  %s\n", buildDate)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg, debug)

			log.Info().
				Str("version", version).
				Str("node", cfg.NodeName).
				Str("cluster_cidr", cfg.RDMA.ClusterCIDR).
				Int("sbuf_size", cfg.RDMA.SBufSize).
				Int("rbuf_size", cfg.RDMA.RBufSize).
				Bool("recv_zerocopy", cfg.RDMA.RecvZerocopy).
				Msg("Starting rdmastream")

			transport, err := rdma.NewTransport(rdma.TransportOptions{
				SBufSize:          cfg.RDMA.SBufSize,
				RBufSize:          cfg.RDMA.RBufSize,
				RecvZerocopy:      cfg.RDMA.RecvZerocopy,
				UsercodeInPthread: cfg.RDMA.UsercodeInPthread,
				ClusterPrefix:     cfg.RDMA.ClusterPrefix(),
				MaxSGE:            cfg.RDMA.MaxSGE,
				PoolRegions:       cfg.RDMA.PoolRegions,
				PoolRegionBlocks:  cfg.RDMA.PoolRegionBlocks,
				SharedCQ:          true,
			})
			if err != nil {
				return err
			}
			defer func() { _ = transport.Close() }()

			stats := transport.Stats()
			log.Info().
				Int("pool_regions", stats.PoolRegions).
				Int("pool_free_blocks", stats.PoolFreeBlocks).
				Bool("shared_cq", stats.SharedCQ).
				Msg("RDMA transport initialized")

			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.New(cfg, transport).Run(ctx)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("rdmastream exited with error")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(level)
}
