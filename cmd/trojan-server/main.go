package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"trojan-tunnel/internal/config"
	"trojan-tunnel/internal/logging"
	"trojan-tunnel/internal/monitor"
	"trojan-tunnel/internal/proxy"
	"trojan-tunnel/internal/redirect"
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
		Use:           "trojan-server",
		Short:         "Trojan server with camouflage fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				logrus.Errorf("Failed to load config: %v", err)
				return err
			}
			if err := config.ValidateServerConfig(cfg); err != nil {
				logrus.Error(err)
				return err
			}

			rotator, err := logging.Setup(loggingOptions(cfg.Logging))
			if err != nil {
				logrus.Errorf("Failed to setup logging: %v", err)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go rotateOnHangup(ctx, rotator)

			if err := run(ctx, cfg); err != nil {
				logrus.Errorf("Server error: %v", err)
				return err
			}
			logrus.Info("Server stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "path to server config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "hash <password>",
		Short: "Print the credential digest of a password",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), trojan.HashPassword(args[0]))
		},
	})
	return cmd
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	fallback, err := cfg.FallbackDestination()
	if err != nil {
		return err
	}

	serverTLS, err := transport.NewServerTLS(&transport.ServerTLSConfig{
		Cert:        cfg.Server.TLS.Cert,
		Key:         cfg.Server.TLS.Key,
		ACMEDomains: cfg.Server.TLS.ACMEDomains,
		ACMECache:   cfg.Server.TLS.ACMECache,
		ACMEEmail:   cfg.Server.TLS.ACMEEmail,
	})
	if err != nil {
		return err
	}

	stats := monitor.NewStatsManager()
	admission := proxy.NewAdmission(
		cfg.Connection.MaxConnections,
		cfg.Connection.AcceptRate,
		cfg.Connection.AcceptBurst,
		cfg.Connection.KeepAlive,
		cfg.GetKeepAliveTime(),
	)
	admission.SetMaxPerIP(cfg.Connection.MaxPerIP)
	filter, err := cfg.DestinationFilter()
	if err != nil {
		return err
	}
	egress, err := cfg.EgressSelector()
	if err != nil {
		return err
	}
	dnsResolver := resolver.New(resolver.Config{
		Nameservers: cfg.Resolver.Nameservers,
		CacheTTL:    cfg.Resolver.GetCacheTTL(),
		Timeout:     cfg.GetDialTimeout(),
	})
	dialer := &proxy.Dialer{
		Resolver:  dnsResolver,
		Timeout:   cfg.GetDialTimeout(),
		KeepAlive: cfg.GetKeepAliveTime(),
		Filter:    filter,
		Egress:    egress,
	}
	// 回落地址通常在本机，不经过目标过滤
	fallbackDialer := &proxy.Dialer{
		Resolver:  dnsResolver,
		Timeout:   cfg.GetDialTimeout(),
		KeepAlive: cfg.GetKeepAliveTime(),
	}

	serverConfig := &trojan.ServerConfig{
		Digest:            cfg.Digest(),
		Fallback:          fallback,
		Connector:         dialer,
		FallbackConnector: fallbackDialer,
		Admission:         admission,
		Stats:             stats,
	}
	if cfg.Server.WebSocket.Enabled {
		serverConfig.WebSocketPath = cfg.Server.WebSocket.Path
	}
	server, err := trojan.NewServer(serverConfig)
	if err != nil {
		return err
	}

	ln, err := transport.ListenTLS(ctx, cfg.Server.Listen, serverTLS.Config, cfg.Server.ReusePort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	defer ln.Close()

	var redirectLn, monitorLn net.Listener
	if cfg.Redirect.Enabled {
		if redirectLn, err = transport.Listen(ctx, cfg.Redirect.Listen, cfg.Server.ReusePort); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Redirect.Listen, err)
		}
		defer redirectLn.Close()
	}
	if cfg.Monitor.Enabled {
		if monitorLn, err = transport.Listen(ctx, cfg.Monitor.Listen, false); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Monitor.Listen, err)
		}
		defer monitorLn.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down server...")
		return server.Close()
	})

	if serverTLS.Reloader != nil {
		g.Go(func() error {
			return serverTLS.Reloader.Watch(gctx)
		})
	}
	if redirectLn != nil {
		responder := &redirect.Responder{}
		g.Go(func() error {
			return responder.Serve(gctx, redirectLn)
		})
	}
	if monitorLn != nil {
		g.Go(func() error {
			return monitor.Serve(gctx, monitorLn, stats)
		})
	}

	return g.Wait()
}

func loggingOptions(cfg config.LoggingConfig) logging.Options {
	return logging.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// rotateOnHangup 收到SIGHUP时轮转日志文件
func rotateOnHangup(ctx context.Context, rotator *lumberjack.Logger) {
	if rotator == nil {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := rotator.Rotate(); err != nil {
				logrus.Errorf("Failed to rotate log: %v", err)
			}
		}
	}
}
