package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hongjun500/opend-go/internal/mockgw"
	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
	"github.com/hongjun500/opend-go/pkg/logger"
)

// 本地假网关：应答握手和心跳，回显其余请求，并按间隔发送推送
func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:11111", "listen address")
		aesKey    = flag.String("aes-key", "", "16-byte session key handed out when a client asks for encryption")
		keepAlive = flag.Int("keepalive", 10, "keepalive interval in seconds announced in InitConnect")
		pushProto = flag.String("push-proto", "Qot_UpdateBasicQot", "comma separated protos to push")
		pushEvery = flag.Duration("push-every", time.Second, "push interval (0 disables pushes)")
		metrics   = flag.String("metrics", "", "serve /metrics and /healthz on this address")
	)
	flag.Parse()
	log := logger.L().Sugar()

	var protos []uint32
	for _, s := range strings.Split(*pushProto, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := protocol.ParseProto(s)
		if err != nil {
			log.Fatalw("bad_push_proto", "value", s, "err", err)
		}
		protos = append(protos, p)
	}

	gw, err := mockgw.Listen(*addr, mockgw.Options{
		AESKey:            *aesKey,
		KeepAliveInterval: int32(*keepAlive),
		ServerVer:         900,
		LoginUserID:       10001,
		Echo:              true,
		Logger:            logger.Named("mockgw"),
	})
	if err != nil {
		log.Fatalw("listen_failed", "addr", *addr, "err", err)
	}
	log.Infow("opend_mock_start", "addr", gw.Addr(), "encrypt", *aesKey != "", "push_protos", len(protos))

	if *metrics != "" {
		go func() {
			if err := observe.StartHTTP(*metrics, nil); err != nil {
				log.Errorw("http_exit", "addr", *metrics, "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *pushEvery > 0 && len(protos) > 0 {
		go func() {
			ticker := time.NewTicker(*pushEvery)
			defer ticker.Stop()
			n := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				n++
				for _, p := range protos {
					gw.Push(p, []byte("tick "+strconv.Itoa(n)))
				}
			}
		}()
	}

	<-ctx.Done()
	_ = gw.Close()
	log.Infow("opend_mock_stop")
	logger.Sync()
}
