package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/clipsync/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RunHub listens on the configured TCP address (and the WebSocket/metrics
// address, if set) and serves sessions until ctx is cancelled.
func (a *App) RunHub(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}

	var httpLn net.Listener
	if a.cfg.WebSocketAddr != "" {
		httpLn, err = net.Listen("tcp", a.cfg.WebSocketAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.WebSocketAddr, err)
		}
	}

	return a.Serve(ctx, ln, httpLn)
}

// Serve runs the hub on already-bound listeners. httpLn may be nil; when set
// it serves /ws (one binary message per chunk of the frame stream) and
// /metrics. Both listeners are closed when Serve returns.
func (a *App) Serve(ctx context.Context, ln net.Listener, httpLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if httpLn != nil {
		srv := &http.Server{
			Handler:           a.httpHandler(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.LogError("http server: %v", err)
			}
		}()
		defer srv.Close()
		util.LogInfo("websocket endpoint on ws://%s/ws, metrics on http://%s/metrics", httpLn.Addr(), httpLn.Addr())
	}

	go a.acceptLoop(ctx, ln)

	util.LogSuccess("hub listening on %s", ln.Addr())
	a.stats.StartReporter(ctx, a.cfg.StatsInterval)
	return a.loop(ctx)
}

// Accept retry delays for transient errors.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptLoop posts every accepted connection to the dispatcher. Transient
// accept errors are retried with a capped backoff; only a permanent error
// stops the hub.
func (a *App) acceptLoop(ctx context.Context, ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !isTransientAcceptError(err) {
				a.post(ctx, listenerFailed{err: fmt.Errorf("accept error: %w", err)})
				return
			}

			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			util.LogWarning("accept error: %v; retrying in %s", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0

		util.LogDebug("new connection from %s", conn.RemoteAddr())
		if !a.post(ctx, connOpened{conn: conn, remote: conn.RemoteAddr().String()}) {
			conn.Close()
			return
		}
	}
}

// isTransientAcceptError reports whether Accept may succeed if retried, as
// after file descriptor exhaustion.
func isTransientAcceptError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (a *App) httpHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.LogWarning("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}

		ws := newWSConn(conn)
		if !a.post(ctx, connOpened{conn: ws, remote: "ws:" + r.RemoteAddr}) {
			ws.Close()
		}
	})
	return mux
}
