package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
)

// KeepaliveConfig 心跳参数
type KeepaliveConfig struct {
	Interval  time.Duration // 0 使用握手协商的间隔
	Timeout   time.Duration // 单次探测的等待时间，0 为 Interval（不超过默认请求超时）
	MaxMissed int           // 连续未应答次数上限，0 为 3
	DeadAfter time.Duration // 可选：超过该时长没有成功探测即断开
}

// Keepalive 周期性发送 KeepAlive 请求；连续未应答达到上限时以 ErrConnectionLost 关闭连接
type Keepalive struct {
	conn   *Conn
	cfg    KeepaliveConfig
	missed atomic.Int32
	lastOK atomic.Int64 // unix nano
}

func NewKeepalive(conn *Conn, cfg KeepaliveConfig) *Keepalive {
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 3
	}
	return &Keepalive{conn: conn, cfg: cfg}
}

func (k *Keepalive) interval() time.Duration {
	if k.cfg.Interval > 0 {
		return k.cfg.Interval
	}
	if iv := k.conn.Session().KeepAliveInterval; iv > 0 {
		return iv
	}
	return 10 * time.Second
}

func (k *Keepalive) timeout() time.Duration {
	if k.cfg.Timeout > 0 {
		return k.cfg.Timeout
	}
	t := k.interval()
	if t > k.conn.opt.RequestTimeout {
		t = k.conn.opt.RequestTimeout
	}
	return t
}

// Missed 当前连续未应答的次数
func (k *Keepalive) Missed() int { return int(k.missed.Load()) }

// Run 阻塞直到 ctx 结束或连接关闭
func (k *Keepalive) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval())
	defer ticker.Stop()
	k.lastOK.Store(time.Now().UnixNano())
	log := k.conn.log

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.conn.Done():
			return k.conn.Err()
		case <-ticker.C:
		}

		rtt, err := k.Probe(ctx)
		switch {
		case err == nil:
			k.missed.Store(0)
			k.lastOK.Store(time.Now().UnixNano())
			log.Debugw("keepalive_ok", "rtt", rtt.String())
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case k.conn.closed():
			return k.conn.Err()
		case !errors.Is(err, ErrTimeout):
			// 网关有应答，只是内容不对，连接仍然存活
			k.missed.Store(0)
			k.lastOK.Store(time.Now().UnixNano())
			log.Warnw("keepalive_bad_reply", "err", err)
			continue
		}

		missed := k.missed.Add(1)
		observe.IncKeepaliveMiss()
		log.Warnw("keepalive_missed", "missed", missed, "max", k.cfg.MaxMissed)

		silent := time.Since(time.Unix(0, k.lastOK.Load()))
		if int(missed) >= k.cfg.MaxMissed || (k.cfg.DeadAfter > 0 && silent >= k.cfg.DeadAfter) {
			lost := ErrConnectionLost.with(fmt.Sprintf("keepalive: %d probes unanswered, silent for %s", missed, silent.Round(time.Millisecond)), err)
			k.conn.closeWith(lost)
			return lost
		}
	}
}

// Probe 发送一次 KeepAlive 并等待应答，返回往返时间
func (k *Keepalive) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	msg, err := k.conn.Call(ctx, protocol.ProtoKeepAlive, protocol.MarshalKeepAliveRequest(start.Unix()), k.timeout())
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	st, _, err := protocol.ParseKeepAliveResponse(msg.Body)
	if err != nil {
		return rtt, fmt.Errorf("keepalive: %w", err)
	}
	if !st.OK() {
		return rtt, fmt.Errorf("keepalive: %w", st)
	}
	return rtt, nil
}
