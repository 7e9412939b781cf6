package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongjun500/opend-go/client"
	"github.com/hongjun500/opend-go/internal/bus/redisstream"
	"github.com/hongjun500/opend-go/internal/config"
	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
	"github.com/hongjun500/opend-go/internal/relay"
	"github.com/hongjun500/opend-go/pkg/logger"
)

// formatPush 一条推送的单行输出，tap 和 replay 共用
func formatPush(when time.Time, protoID, serial uint32, body []byte) string {
	return fmt.Sprintf("%s proto=%d (%s) serial=%d len=%d %s",
		when.Format(time.RFC3339Nano), protoID, protocol.ProtoName(protoID),
		serial, len(body), hex.EncodeToString(body))
}

func tapCmd(cfg *config.Config) *cobra.Command {
	var (
		sends  []string
		quiet  bool
		maxLen int64
	)
	cmd := &cobra.Command{
		Use:   "tap <proto>...",
		Short: "Subscribe to push protos and print, relay or mirror them",
		Long: `Subscribe to one or more push protos and print every notification.

With --ws the pushes are also served to WebSocket clients at /ws
(filter with ?proto=3005,3011), next to /metrics and /healthz.
With --redis they are mirrored into a Redis stream.

--send proto:hexbody issues a request after every (re)connect, for
example the subscription request a gateway needs before it pushes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			protos := make([]uint32, 0, len(args))
			for _, a := range args {
				p, err := protocol.ParseProto(a)
				if err != nil {
					return err
				}
				protos = append(protos, p)
			}
			type request struct {
				proto uint32
				body  []byte
			}
			var requests []request
			for _, s := range sends {
				p, b, err := parseRequest(s)
				if err != nil {
					return err
				}
				requests = append(requests, request{p, b})
			}

			ctx := cmd.Context()
			log := logger.L().Sugar()

			var rel *relay.Relay
			routes := map[string]http.Handler{}
			if cfg.RelayAddr != "" || cfg.MetricsAddr != "" {
				addr := cfg.RelayAddr
				if addr == "" {
					addr = cfg.MetricsAddr
				}
				if cfg.RelayAddr != "" {
					rel = relay.New(relay.Options{Logger: logger.Named("relay")})
					defer rel.Close()
					routes["/ws"] = rel
				}
				go func() {
					if err := observe.StartHTTP(addr, routes); err != nil {
						log.Errorw("http_exit", "addr", addr, "err", err)
					}
				}()
				log.Infow("http_listen", "addr", addr, "relay", rel != nil)
			}

			var bus *redisstream.Bus
			if cfg.RedisAddr != "" {
				bus = redisstream.New(cfg.RedisAddr, 0, cfg.RedisStream, "opendctl", maxLen)
				defer bus.Close()
				if err := bus.Ping(ctx); err != nil {
					return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
				}
			}

			session := func(ctx context.Context, c *client.Client) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				var wg sync.WaitGroup
				for _, p := range protos {
					// 每个输出各自订阅一份，互不阻塞
					printer := c.Subscribe(p)
					wg.Add(1)
					go func() {
						defer wg.Done()
						for m := range printer.All(ctx) {
							if !quiet {
								fmt.Println(formatPush(time.Now(), m.ProtoID, m.SerialNo, m.Body))
							}
						}
					}()
					if rel != nil {
						s := c.Subscribe(p)
						wg.Add(1)
						go func() { defer wg.Done(); _ = rel.Pump(ctx, s) }()
					}
					if bus != nil {
						s := c.Subscribe(p)
						wg.Add(1)
						go func() {
							defer wg.Done()
							if failed, _ := bus.Mirror(ctx, s); failed > 0 {
								log.Warnw("redis_mirror_failures", "proto_id", p, "failed", failed)
							}
						}()
					}
				}

				for _, r := range requests {
					msg, err := c.Request(ctx, r.proto, r.body, cfg.RequestTimeout)
					if err != nil {
						log.Warnw("tap_send_failed", "proto_id", r.proto, "err", err)
						continue
					}
					st, _ := protocol.ParseResponseStatus(msg.Body)
					log.Infow("tap_send_ok", "proto_id", r.proto, "ret_type", st.RetType, "ret_msg", st.RetMsg)
				}

				select {
				case <-ctx.Done():
				case <-c.Done():
				}
				cancel()
				wg.Wait()
				if err := c.Err(); err != nil {
					return err
				}
				return ctx.Err()
			}

			if !cfg.Reconnect {
				c, err := connect(ctx, cfg)
				if err != nil {
					return err
				}
				defer c.Disconnect()
				if err := session(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			sup := &client.Supervisor{
				Host:     cfg.Host,
				Port:     cfg.Port,
				Identity: identity(cfg),
				Options:  options(cfg),
				Interval: cfg.ReconnectInterval,
			}
			if err := sup.Run(ctx, session); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&sends, "send", nil, "request to issue after each connect, proto:hexbody (repeatable)")
	f.BoolVarP(&quiet, "quiet", "q", false, "do not print pushes")
	f.StringVar(&cfg.RelayAddr, "ws", cfg.RelayAddr, "serve pushes to WebSocket clients on this address")
	f.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve /metrics and /healthz on this address")
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "mirror pushes into a Redis stream at this address")
	f.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "Redis stream name")
	f.Int64Var(&maxLen, "redis-maxlen", 100000, "approximate stream length cap (0 = unbounded)")
	f.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "reconnect when the connection drops")
	f.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "delay between reconnect attempts")
	return cmd
}
