package observe

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler 返回提供 /healthz 与 /metrics 的路由，extra 中的路径一并挂载（如推送中继的 /ws）
func Handler(extra map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return mux
}

// StartHTTP 启动一个最简 HTTP 服务，阻塞直到监听失败
func StartHTTP(addr string, extra map[string]http.Handler) error {
	return http.ListenAndServe(addr, Handler(extra))
}
