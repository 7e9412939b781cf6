package transport

import (
	"time"

	"go.uber.org/zap"
)

// Options configures a Conn
type Options struct {
	DialTimeout      time.Duration // 0 uses 5s
	WriteTimeout     time.Duration // per-write deadline; 0 to disable
	BodyReadTimeout  time.Duration // max wait for a body once its header arrived; 0 to disable
	RequestTimeout   time.Duration // default per-request deadline, 0 uses 10s
	MaxBodySize      int           // 0 uses protocol.MaxBodySize
	MaxFramingErrors int           // consecutive bad frames before the connection is dropped, 0 uses 3
	Logger           *zap.Logger   // nil uses a no-op logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.BodyReadTimeout < 0 {
		o.BodyReadTimeout = 0
	}
	if o.MaxFramingErrors <= 0 {
		o.MaxFramingErrors = 3
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
