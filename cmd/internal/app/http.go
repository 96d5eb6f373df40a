package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"hirewire/cmd/internal/api"
	"hirewire/cmd/internal/realtime"
)

// readinessCheck is one dependency /readyz pings.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	durable bool,
	checks []readinessCheck,
	metrics http.Handler,
	ws *realtime.WSGateway,
	read *api.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.Handle("/readyz", readyHandler(log, cfg.ReadinessRequireDB, durable, checks))

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	if read != nil {
		read.Register(mux)
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}

func readyHandler(log Logger, requireDurable, durable bool, checks []readinessCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireDurable && !durable {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := c.check(ctx)
			cancel()
			if err != nil {
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				log.Info("readyz.not_ready", "dependency", c.name, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to the IPv4 loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
