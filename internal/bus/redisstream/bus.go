// Package redisstream 把网关推送镜像到 Redis Stream，供其他进程按消费组读取。
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hongjun500/opend-go/internal/protocol"
)

// Source 推送来源，*transport.PushStream 满足该接口
type Source interface {
	Next(ctx context.Context) (protocol.Message, error)
}

type Bus struct {
	cli    *redis.Client
	stream string
	group  string
	maxLen int64
}

// Message 流中的一条推送
type Message struct {
	ID       string
	ProtoID  uint32
	SerialNo uint32
	Body     []byte
	When     time.Time
}

// New maxLen>0 时按近似长度裁剪流
func New(addr string, db int, stream, group string, maxLen int64) *Bus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Bus{cli: cli, stream: stream, group: group, maxLen: maxLen}
}

func (b *Bus) Stream() string { return b.stream }

func (b *Bus) Group() string { return b.group }

func (b *Bus) Ping(ctx context.Context) error { return b.cli.Ping(ctx).Err() }

// EnsureGroup start 为消费组的起始位置："0" 从头读历史，空串或 "$" 只读之后的新条目
func (b *Bus) EnsureGroup(ctx context.Context, start string) error {
	if start == "" {
		start = "$"
	}
	// 流和消费组不存在时创建；已存在返回 BUSYGROUP，忽略
	err := b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func values(m protocol.Message, when time.Time) map[string]any {
	return map[string]any{
		"proto_id":  strconv.FormatUint(uint64(m.ProtoID), 10),
		"proto":     protocol.ProtoName(m.ProtoID),
		"serial_no": strconv.FormatUint(uint64(m.SerialNo), 10),
		"ts":        strconv.FormatInt(when.UnixMilli(), 10),
		"body":      string(m.Body),
	}
}

func parseValues(id string, v map[string]any) (*Message, error) {
	str := func(k string) (string, error) {
		s, ok := v[k].(string)
		if !ok {
			return "", fmt.Errorf("redisstream: entry %s: missing %q", id, k)
		}
		return s, nil
	}
	m := &Message{ID: id}
	s, err := str("proto_id")
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("redisstream: entry %s: proto_id: %w", id, err)
	}
	m.ProtoID = uint32(n)
	if s, err = str("serial_no"); err == nil {
		if n, err := strconv.ParseUint(s, 10, 32); err == nil {
			m.SerialNo = uint32(n)
		}
	}
	if s, err = str("ts"); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			m.When = time.UnixMilli(ms)
		}
	}
	if s, err = str("body"); err == nil {
		m.Body = []byte(s)
	}
	return m, nil
}

func (b *Bus) Publish(ctx context.Context, m protocol.Message) error {
	args := &redis.XAddArgs{Stream: b.stream, Values: values(m, time.Now())}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.cli.XAdd(ctx, args).Err()
}

// Mirror 持续把 src 的推送写入流，直到 src 结束或 ctx 取消。单条写入失败只记入返回的计数。
func (b *Bus) Mirror(ctx context.Context, src Source) (failed int, err error) {
	for {
		m, err := src.Next(ctx)
		if err != nil {
			return failed, err
		}
		if err := b.Publish(ctx, m); err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			failed++
		}
	}
}

// Handler 返回错误时该条目不确认，留在消费组的 pending 列表
type Handler func(ctx context.Context, m *Message) error

// Consume 以 consumer 身份阻塞读取消费组，直到 ctx 取消
func (b *Bus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		for _, str := range res {
			if ids := deliver(ctx, str.Messages, handler); len(ids) > 0 {
				// handler 可能已取消 ctx，确认仍需送达
				_ = b.cli.XAck(context.WithoutCancel(ctx), b.stream, b.group, ids...).Err()
			}
		}
	}
}

// deliver 逐条解析并交给 handler，返回需要确认的条目 ID。
// 解析失败的条目也确认掉，避免反复投递。
func deliver(ctx context.Context, msgs []redis.XMessage, handler Handler) []string {
	ack := make([]string, 0, len(msgs))
	for _, x := range msgs {
		m, err := parseValues(x.ID, x.Values)
		if err == nil && handler(ctx, m) != nil {
			continue
		}
		ack = append(ack, x.ID)
	}
	return ack
}

func (b *Bus) Close() error { return b.cli.Close() }
