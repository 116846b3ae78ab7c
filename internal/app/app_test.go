package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/clipsync/internal/clipboard"
	"github.com/1ureka/clipsync/internal/config"
	"github.com/1ureka/clipsync/internal/protocol"
	"github.com/1ureka/clipsync/internal/session"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

type testHub struct {
	app      *App
	clip     *clipboard.Memory
	addr     string
	httpAddr string
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.StatsInterval = 0
	cfg.Clipboard = clipboard.BackendMemory
	return cfg
}

func startHub(t *testing.T) *testHub {
	t.Helper()

	clip := clipboard.NewMemory()
	a, err := New(testConfig(), clip)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln, httpLn) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("hub did not stop")
		}
	})

	return &testHub{app: a, clip: clip, addr: ln.Addr().String(), httpAddr: httpLn.Addr().String()}
}

func startPeer(t *testing.T, hubAddr string) (*App, *clipboard.Memory) {
	t.Helper()

	cfg := testConfig()
	cfg.Role = config.RolePeer
	cfg.PeerAddr = hubAddr

	clip := clipboard.NewMemory()
	a, err := New(cfg, clip)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunPeer(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("peer did not stop")
		}
	})

	require.Eventually(t, func() bool { return a.Stats().Live() == 1 }, waitFor, tick)
	return a, clip
}

func dialHub(t *testing.T, h *testHub, want int64) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.app.Stats().Live() == want }, waitFor, tick)
	return conn
}

func writeFrame(t *testing.T, w io.Writer, typ protocol.Type, payload []byte) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	_, err = w.Write(frame)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) (protocol.Type, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))

	header := make([]byte, protocol.HeaderSize)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)

	typ, length, err := protocol.DecodeHeader(header)
	require.NoError(t, err)

	payload := make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return typ, payload
}

func assertSilent(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, err := conn.Read(make([]byte, 1))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected no data, got err=%v", err)
}

func TestHubAppliesRemoteTextWithoutEcho(t *testing.T) {
	h := startHub(t)
	conn := dialHub(t, h, 1)

	writeFrame(t, conn, protocol.TypeText, []byte("hello from peer"))

	require.Eventually(t, func() bool { return h.clip.Text() == "hello from peer" }, waitFor, tick)
	assertSilent(t, conn, 300*time.Millisecond)
	assert.GreaterOrEqual(t, h.app.Stats().Suppressed.Load(), int64(1))
}

func TestHubSurvivesUnknownFrame(t *testing.T) {
	h := startHub(t)
	conn := dialHub(t, h, 1)

	_, err := conn.Write([]byte{99, 0, 0, 0, 0})
	require.NoError(t, err)
	writeFrame(t, conn, protocol.TypeText, []byte("after garbage"))

	require.Eventually(t, func() bool { return h.clip.Text() == "after garbage" }, waitFor, tick)
	assert.Equal(t, int64(1), h.app.Stats().Dropped.Load())
}

func TestHubBroadcastsLocalChange(t *testing.T) {
	h := startHub(t)
	c1 := dialHub(t, h, 1)
	c2 := dialHub(t, h, 2)

	require.NoError(t, h.clip.SetText("from hub"))

	for _, c := range []net.Conn{c1, c2} {
		typ, payload := readFrame(t, c)
		assert.Equal(t, protocol.TypeText, typ)
		assert.Equal(t, "from hub", string(payload))
	}
}

func TestHubBroadcastsImage(t *testing.T) {
	h := startHub(t)
	conn := dialHub(t, h, 1)

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 2, color.RGBA{G: 200, A: 255})
	require.NoError(t, h.clip.SetImage(img))

	typ, payload := readFrame(t, conn)
	require.Equal(t, protocol.TypeImage, typ)

	decoded, err := png.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestHubDropsClosedSession(t *testing.T) {
	h := startHub(t)
	c1 := dialHub(t, h, 1)
	c2 := dialHub(t, h, 2)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return h.app.Stats().Live() == 1 }, waitFor, tick)

	require.NoError(t, h.clip.SetText("still serving"))
	_, payload := readFrame(t, c2)
	assert.Equal(t, "still serving", string(payload))
}

// TestPeersRelayThroughHub checks that content travels peer → hub → peer
// and is not echoed back to its origin.
func TestPeersRelayThroughHub(t *testing.T) {
	h := startHub(t)
	p1, clip1 := startPeer(t, h.addr)
	_, clip2 := startPeer(t, h.addr)
	require.Eventually(t, func() bool { return h.app.Stats().Live() == 2 }, waitFor, tick)

	require.NoError(t, clip1.SetText("relay me"))

	require.Eventually(t, func() bool { return clip2.Text() == "relay me" }, waitFor, tick)
	assert.Equal(t, "relay me", h.clip.Text())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), p1.Stats().FramesRecv.Load(), "origin peer must not receive its own content")
}

func TestPeerExitsWhenHubCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Role = config.RolePeer
	cfg.PeerAddr = ln.Addr().String()
	a, err := New(cfg, clipboard.NewMemory())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.RunPeer(context.Background()) }()

	conn, err := ln.Accept()
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("peer did not exit after the hub closed the connection")
	}
	assert.Equal(t, int64(1), a.Stats().ClosedSessions.Load())
}

func TestPeerDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Role = config.RolePeer
	cfg.PeerAddr = addr
	a, err := New(cfg, clipboard.NewMemory())
	require.NoError(t, err)

	assert.Error(t, a.RunPeer(context.Background()))
}

func TestWebSocketTransport(t *testing.T) {
	h := startHub(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.httpAddr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return h.app.Stats().Live() == 1 }, waitFor, tick)

	frame, err := protocol.Encode(protocol.TypeText, []byte("over ws"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame[:3]))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame[3:]))

	require.Eventually(t, func() bool { return h.clip.Text() == "over ws" }, waitFor, tick)

	resp, err := http.Get("http://" + h.httpAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "clipsync_sessions 1")
	assert.Contains(t, string(body), "clipsync_frames_received_total 1")
}

func TestPeerOverWebSocket(t *testing.T) {
	h := startHub(t)
	_, clip := startPeer(t, "ws://"+h.httpAddr+"/ws")
	require.Eventually(t, func() bool { return h.app.Stats().Live() == 1 }, waitFor, tick)

	require.NoError(t, h.clip.SetText("down the socket"))
	require.Eventually(t, func() bool { return clip.Text() == "down the socket" }, waitFor, tick)
}

// TestTeardownIdempotent delivers duplicate close notifications for one
// session and checks that only that session is released, once.
func TestTeardownIdempotent(t *testing.T) {
	a, err := New(testConfig(), clipboard.NewMemory())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, r1 := net.Pipe()
	c2, r2 := net.Pipe()
	defer r1.Close()
	defer r2.Close()

	a.open(ctx, connOpened{conn: c1, remote: "pipe-1"})
	a.open(ctx, connOpened{conn: c2, remote: "pipe-2"})
	require.Equal(t, 2, a.sessions.Len())

	first := session.ID(1)
	require.NoError(t, a.handle(ctx, connClosed{id: first, err: io.EOF}))
	require.NoError(t, a.handle(ctx, connClosed{id: first, err: errors.New("reset")}))

	assert.Equal(t, 1, a.sessions.Len())
	assert.Equal(t, int64(1), a.stats.ClosedSessions.Load())
	_, ok := a.sessions.Get(session.ID(2))
	assert.True(t, ok, "other session must survive")

	// Data for the released session is ignored.
	require.NoError(t, a.handle(ctx, connData{id: first, chunk: []byte{1, 2, 3}}))
}

// flakyListener fails Accept with err a set number of times once failAfter
// connections have been accepted.
type flakyListener struct {
	net.Listener

	mu        sync.Mutex
	accepted  int
	failAfter int
	failures  int
	err       error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.accepted >= l.failAfter && l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, l.err
	}
	l.mu.Unlock()

	conn, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.accepted++
		l.mu.Unlock()
	}
	return conn, err
}

func (l *flakyListener) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

func acceptErr(errno syscall.Errno) error {
	return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", errno)}
}

func TestHubRetriesTransientAcceptError(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, failAfter: 1, failures: 3, err: acceptErr(syscall.EMFILE)}

	clip := clipboard.NewMemory()
	a, err := New(testConfig(), clip)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln, nil) }()

	c1, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	require.Eventually(t, func() bool { return a.Stats().Live() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return ln.pending() == 0 }, waitFor, tick)

	// The established session is still served.
	writeFrame(t, c1, protocol.TypeText, []byte("still here"))
	require.Eventually(t, func() bool { return clip.Text() == "still here" }, waitFor, tick)

	// And new connections are accepted again.
	c2, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer c2.Close()
	require.Eventually(t, func() bool { return a.Stats().Live() == 2 }, waitFor, tick)

	select {
	case err := <-done:
		t.Fatalf("hub stopped after a transient accept error: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("hub did not stop")
	}
}

func TestHubStopsOnPermanentAcceptError(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	broken := errors.New("listener broken")
	ln := &flakyListener{Listener: inner, failures: 1, err: broken}

	a, err := New(testConfig(), clipboard.NewMemory())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), ln, nil) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, broken)
	case <-time.After(waitFor):
		t.Fatal("hub kept running after a permanent accept error")
	}
}

func TestIsTransientAcceptError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"EMFILE", acceptErr(syscall.EMFILE), true},
		{"ENFILE", acceptErr(syscall.ENFILE), true},
		{"ECONNABORTED", acceptErr(syscall.ECONNABORTED), true},
		{"timeout", &net.OpError{Op: "accept", Net: "tcp", Err: os.ErrDeadlineExceeded}, true},
		{"closed", &net.OpError{Op: "accept", Net: "tcp", Err: net.ErrClosed}, false},
		{"other", errors.New("listener broken"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransientAcceptError(tc.err))
		})
	}
}
