package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hongjun500/opend-go/internal/bus/redisstream"
	"github.com/hongjun500/opend-go/internal/config"
	"github.com/hongjun500/opend-go/internal/protocol"
	"github.com/hongjun500/opend-go/pkg/logger"
)

var errReplayDone = errors.New("replay: count reached")

func replayCmd(cfg *config.Config) *cobra.Command {
	var (
		group     string
		consumer  string
		fromStart bool
		count     int
		protos    []string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Read pushes mirrored by tap --redis back out of the stream",
		Long: `Join a consumer group on the Redis stream written by tap --redis
and print every mirrored push. Entries are acknowledged once printed,
so several replay processes in the same group share the stream.

--from-start creates a new group at the beginning of the stream;
otherwise only entries added after the group was created are read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.RedisAddr == "" {
				return errors.New("replay: --redis is required")
			}
			want := map[uint32]bool{}
			for _, a := range protos {
				p, err := protocol.ParseProto(a)
				if err != nil {
					return err
				}
				want[p] = true
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			log := logger.Named("replay").Sugar()

			bus := redisstream.New(cfg.RedisAddr, 0, cfg.RedisStream, group, 0)
			defer bus.Close()
			if err := bus.Ping(ctx); err != nil {
				return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
			}
			start := "$"
			if fromStart {
				start = "0"
			}
			if err := bus.EnsureGroup(ctx, start); err != nil {
				return fmt.Errorf("create group %s on %s: %w", bus.Group(), bus.Stream(), err)
			}
			if consumer == "" {
				consumer, _ = os.Hostname()
			}
			log.Infow("replay_start", "stream", bus.Stream(), "group", bus.Group(), "consumer", consumer)

			seen := 0
			err := bus.Consume(ctx, consumer, func(_ context.Context, m *redisstream.Message) error {
				if count > 0 && seen >= count {
					return errReplayDone // 超出数量的条目不确认，留给组内其他消费者
				}
				if len(want) > 0 && !want[m.ProtoID] {
					return nil
				}
				fmt.Println(formatPush(m.When, m.ProtoID, m.SerialNo, m.Body))
				seen++
				if count > 0 && seen >= count {
					cancel()
				}
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address holding the mirrored stream")
	f.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "Redis stream name")
	f.StringVar(&group, "group", "opendctl-replay", "consumer group")
	f.StringVar(&consumer, "consumer", "", "consumer name within the group (hostname when empty)")
	f.BoolVar(&fromStart, "from-start", false, "start a new group at the beginning of the stream")
	f.IntVarP(&count, "count", "n", 0, "stop after printing this many pushes (0 = until interrupted)")
	f.StringSliceVar(&protos, "proto", nil, "only print these protos (names or ids)")
	return cmd
}
