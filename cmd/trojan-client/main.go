package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trojan-tunnel/internal/config"
	"trojan-tunnel/internal/logging"
	"trojan-tunnel/internal/proxy"
	"trojan-tunnel/internal/resolver"
	"trojan-tunnel/internal/transport"
	"trojan-tunnel/internal/trojan"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "trojan-client",
		Short:         "Local SOCKS5 proxy tunnelling through a Trojan server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(configPath)
			if err != nil {
				logrus.Errorf("Failed to load config: %v", err)
				return err
			}
			if err := config.ValidateClientConfig(cfg); err != nil {
				logrus.Error(err)
				return err
			}

			rotator, err := logging.Setup(logging.Options{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAgeDays: cfg.Logging.MaxAgeDays,
				Compress:   cfg.Logging.Compress,
			})
			if err != nil {
				logrus.Errorf("Failed to setup logging: %v", err)
				return err
			}
			if rotator != nil {
				defer rotator.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				logrus.Errorf("Client error: %v", err)
				return err
			}
			logrus.Info("Client stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/client.json", "path to client config file")
	return cmd
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	tunneler := &trojan.TLSTunneler{
		ServerAddr: cfg.Server.Address,
		TLS: &transport.ClientTLSConfig{
			SNI:      cfg.Server.SNI,
			Insecure: cfg.Server.Insecure,
			CAFile:   cfg.Server.CAFile,
		},
		DialTimeout: cfg.GetDialTimeout(),
		KeepAlive:   cfg.GetKeepAliveTime(),
		Resolver: resolver.New(resolver.Config{
			Nameservers: cfg.Resolver.Nameservers,
			CacheTTL:    cfg.Resolver.GetCacheTTL(),
			Timeout:     cfg.GetDialTimeout(),
		}),
	}
	if cfg.Connection.DialRetries > 0 {
		tunneler.Retry = &proxy.Backoff{
			MaxRetries:   cfg.Connection.DialRetries,
			InitialDelay: cfg.GetRetryDelay(),
			Jitter:       true,
		}
	}
	if cfg.Server.WebSocket.Enabled {
		tunneler.WebSocket = &trojan.WebSocketOptions{
			Host: cfg.Server.WebSocket.Host,
			Path: cfg.Server.WebSocket.Path,
		}
	}
	if cfg.Server.Insecure {
		logrus.Warn("TLS certificate verification is disabled")
	}

	client, err := trojan.NewClient(&trojan.ClientConfig{
		Digest:              cfg.Digest(),
		Tunneler:            tunneler,
		FirstPayloadTimeout: cfg.GetFirstPayloadTimeout(),
	})
	if err != nil {
		return err
	}

	ln, err := transport.Listen(ctx, cfg.Local.SOCKS5, false)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Local.SOCKS5, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down client...")
		return client.Close()
	})
	return g.Wait()
}
