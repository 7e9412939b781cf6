package client

import (
	"context"
	"errors"
	"time"

	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/transport"
	"github.com/hongjun500/opend-go/pkg/logger"
)

// Supervisor 连接断开后按固定间隔重新连接并重新握手。
// 推送订阅属于单条连接，需要在每次 fn 调用中重新建立。
type Supervisor struct {
	Host        string
	Port        int
	Identity    transport.Identity
	Options     Options
	Interval    time.Duration // 0 为 5s
	MaxAttempts int           // 连续连接失败的上限，0 不限
}

// Run 每建立一条连接就调用一次 fn，fn 应在 c.Done() 关闭或 ctx 结束时返回。
// fn 返回 ErrConnectionLost 之外的错误时停止并返回该错误。
func (s *Supervisor) Run(ctx context.Context, fn func(ctx context.Context, c *Client) error) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := logger.L().Sugar()
	failures := 0
	for {
		c, err := Connect(ctx, s.Host, s.Port, s.Identity, s.Options)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Warnw("supervisor_connect_failed", "attempt", failures, "err", err)
			if s.MaxAttempts > 0 && failures >= s.MaxAttempts {
				return err
			}
		} else {
			failures = 0
			err = fn(ctx, c)
			_ = c.Disconnect()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil && !errors.Is(err, transport.ErrConnectionLost) {
				return err
			}
			log.Infow("supervisor_connection_lost", "err", c.Err())
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		observe.IncReconnect()
	}
}
