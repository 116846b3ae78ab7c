package app

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/1ureka/clipsync/internal/config"
	"github.com/1ureka/clipsync/internal/util"
)

// RunPeer opens one connection to the configured hub and syncs over it
// until the connection ends or ctx is cancelled. There is no reconnect.
func (a *App) RunPeer(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := a.cfg.PeerAddr
	util.LogInfo("connecting to %s", addr)

	conn, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	util.LogSuccess("connected to hub %s", addr)

	a.exitWhenEmpty = true
	if !a.post(ctx, connOpened{conn: conn, remote: addr}) {
		conn.Close()
		return ctx.Err()
	}

	a.stats.StartReporter(ctx, a.cfg.StatsInterval)
	return a.loop(ctx)
}

// dial connects over WebSocket for ws:// and wss:// URLs and over plain TCP
// otherwise.
func dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if config.IsWebSocketURL(addr) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return newWSConn(conn), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}
