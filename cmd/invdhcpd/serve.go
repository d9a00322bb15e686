package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/invdhcp/invdhcpd/internal/api"
	"github.com/invdhcp/invdhcpd/internal/config"
	"github.com/invdhcp/invdhcpd/internal/dhcp"
	"github.com/invdhcp/invdhcpd/internal/inventory"
	"github.com/invdhcp/invdhcpd/internal/logging"
	"github.com/invdhcp/invdhcpd/internal/metrics"
	"github.com/invdhcp/invdhcpd/internal/netconf"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DHCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Server.LogLevel, os.Stdout)
	logger.Info("invdhcpd starting", "version", version, "config", configPath)

	serverIP, err := cfg.ServerIP()
	if err != nil {
		return err
	}

	store, err := inventory.NewStore(cfg.Inventory.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	seed := cfg.Inventory.SeedFile
	if seed != "" {
		if err := importSeed(store, seed, logger); err != nil {
			return err
		}
	}
	logger.Info("inventory opened", "path", cfg.Inventory.DBPath, "records", store.Count())

	table, err := netconf.NewTable(cfg.Networks)
	if err != nil {
		return fmt.Errorf("building network table: %w", err)
	}

	ncfg := dhcp.NegotiatorConfig{
		ServerIP:                serverIP,
		LeaseTime:               cfg.LeaseTime(),
		RenewalTime:             cfg.RenewalTime(),
		ManagementVendorClasses: cfg.Policy.ManagementVendorClasses,
		PortType:                cfg.Policy.PrimaryPort,
		PortNumber:              cfg.PortNumber(),
		CacheTTL:                cfg.CacheTTL(),
		CacheSize:               cfg.Cache.Size,
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		ncfg.Limiter = dhcp.NewRateLimiter(rl.MaxDiscoversPerSecond, rl.MaxPerMACPerSecond)
	}
	negotiator, err := dhcp.NewNegotiator(ncfg, store, table, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dhcp.Listen(ctx, cfg.Server.BindAddress, logger)
	if err != nil {
		return err
	}
	srv := dhcp.NewServer(conn, negotiator, dhcp.ServerConfig{
		ReplyPort:    cfg.Server.ReplyPort,
		PollInterval: cfg.PollInterval(),
	}, logger)

	metrics.ServerInfo.WithLabelValues(version).Set(1)
	metrics.ServerStartTime.SetToCurrentTime()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return clearOnHangup(gctx, srv, logger) })

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, srv, store, logger, api.WithVersion(version))
		ln, err := apiServer.Listen()
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		g.Go(func() error { return apiServer.Serve(ln) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return apiServer.Stop(shutdownCtx)
		})
	}

	if seed != "" && cfg.Inventory.WatchSeed {
		g.Go(func() error {
			return inventory.Watch(gctx, seed, logger, func() {
				if err := importSeed(store, seed, logger); err != nil {
					logger.Error("seed reload failed, keeping previous inventory", "error", err)
					return
				}
				if _, err := srv.ClearCaches(gctx); err != nil {
					logger.Warn("cache clear after seed reload failed", "error", err)
				}
			})
		})
	}

	logger.Info("invdhcpd ready",
		"server_id", serverIP.String(),
		"bind", cfg.Server.BindAddress,
		"networks", len(cfg.Networks),
		"api", cfg.API.Enabled)

	if err := g.Wait(); err != nil {
		logger.Error("invdhcpd stopped", "error", err)
		return err
	}
	logger.Info("invdhcpd stopped")
	return nil
}

// clearOnHangup empties the query caches on every SIGHUP.
func clearOnHangup(ctx context.Context, srv *dhcp.Server, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Info("received SIGHUP, clearing caches")
			if _, err := srv.ClearCaches(ctx); err != nil {
				logger.Warn("cache clear failed", "error", err)
			}
		}
	}
}

func importSeed(store *inventory.Store, path string, logger *slog.Logger) error {
	res, err := store.ImportFile(path)
	if err != nil {
		metrics.SeedReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("importing seed %s: %w", path, err)
	}
	metrics.SeedReloads.WithLabelValues("ok").Inc()
	logger.Info("inventory seed imported", "path", path, "written", res.Written, "pruned", res.Pruned)
	return nil
}
