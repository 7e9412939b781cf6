package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongjun500/opend-go/client"
	"github.com/hongjun500/opend-go/internal/config"
	"github.com/hongjun500/opend-go/internal/transport"
	"github.com/hongjun500/opend-go/pkg/logger"
)

var version = "dev"

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "opendctl",
		Short: "Talk to a Futu OpenD gateway from the command line",
		Long: `opendctl opens a connection to an OpenD gateway, performs the
InitConnect handshake and then runs one command: print the session,
measure keepalive latency, send a raw request or tap push notifications.
replay reads pushes mirrored by tap --redis back out of the stream.

Defaults come from OPEND_* environment variables; flags override them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetFormat(cfg.LogFormat)
			logger.SetLevel(cfg.LogLevel)
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "gateway host")
	f.IntVar(&cfg.Port, "port", cfg.Port, "gateway port")
	f.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "client id reported in InitConnect (random when empty)")
	f.Int32Var(&cfg.ClientVer, "client-ver", cfg.ClientVer, "client version reported in InitConnect")
	f.BoolVar(&cfg.Encrypt, "encrypt", cfg.Encrypt, "request AES session encryption")
	f.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|console")

	rootCmd.AddCommand(
		infoCmd(cfg),
		pingCmd(cfg),
		callCmd(cfg),
		tapCmd(cfg),
		replayCmd(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func identity(cfg *config.Config) transport.Identity {
	return transport.Identity{ClientID: cfg.ClientID, ClientVer: cfg.ClientVer, Encrypt: cfg.Encrypt}
}

func options(cfg *config.Config) client.Options {
	return client.Options{
		Transport: transport.Options{
			RequestTimeout:  cfg.RequestTimeout,
			WriteTimeout:    cfg.RequestTimeout,
			BodyReadTimeout: cfg.RequestTimeout,
			Logger:          logger.Named("opend"),
		},
		Keepalive: transport.KeepaliveConfig{MaxMissed: cfg.KeepaliveMisses},
	}
}

func connect(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	return client.Connect(ctx, cfg.Host, cfg.Port, identity(cfg), options(cfg))
}

func printSession(info transport.SessionInfo) {
	fmt.Printf("  State:        %s\n", info.State)
	fmt.Printf("  Conn ID:      %d\n", info.ConnID)
	fmt.Printf("  Server ver:   %d\n", info.ServerVer)
	fmt.Printf("  Login user:   %d\n", info.LoginUserID)
	fmt.Printf("  Keepalive:    %s\n", info.KeepAliveInterval)
	fmt.Printf("  Encrypted:    %s\n", strconv.FormatBool(info.Encrypted))
}

func infoCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Handshake and print the negotiated session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			fmt.Printf("Connected to %s\n", cfg.Addr())
			printSession(c.Session())
			return nil
		},
	}
}

func pingCmd(cfg *config.Config) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure KeepAlive round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			for i := 0; count <= 0 || i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
				rtt, err := c.Ping(ctx)
				if err != nil {
					fmt.Printf("keepalive #%d: %v\n", i+1, err)
					continue
				}
				fmt.Printf("keepalive #%d: rtt=%s\n", i+1, rtt.Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 4, "number of probes (0 = until interrupted)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "time between probes")
	return cmd
}
