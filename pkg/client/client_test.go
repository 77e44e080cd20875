package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/practable/chat/pkg/codec"
	"github.com/practable/chat/pkg/hub"
	"github.com/practable/chat/pkg/tcpconnect"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetLevel(log.PanicLevel)
}

var timeout = time.Second

func serve(ctx context.Context, t *testing.T, addr string) *hub.Hub {

	h := hub.New(hub.Config{})
	go h.Run(ctx)

	started := make(chan net.Addr, 1)

	l := &tcpconnect.Listener{
		Address: addr,
		Handler: tcpconnect.NewHandler(h, tcpconnect.Config{}, nil, nil),
		Started: func(a net.Addr) { started <- a },
	}

	go l.Listen(ctx)

	select {
	case <-started:
	case <-time.After(timeout):
		t.Fatal("server did not start")
	}

	return h
}

func freeAddr(t *testing.T) string {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return "127.0.0.1:" + strconv.Itoa(port)
}

func waitClients(t *testing.T, h *hub.Hub, n int) {
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r, err := h.Snapshot(ctx)
		return err == nil && len(r.Clients) == n
	}, timeout, 5*time.Millisecond)
}

func TestSendReceive(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := freeAddr(t)
	h := serve(ctx, t, addr)

	alice := New("alice")
	bob := New("bob")

	go alice.Dial(ctx, addr)
	go bob.Dial(ctx, addr)

	waitClients(t, h, 2)
	require.True(t, alice.Connected())

	require.NoError(t, alice.Send(ctx, "hi bob"))

	select {
	case m := <-bob.Receive:
		assert.Equal(t, "alice", m.Author)
		assert.Equal(t, "hi bob", m.Body)
		assert.WithinDuration(t, time.Now(), m.Date, 5*time.Second)
	case <-time.After(timeout):
		t.Fatal("bob did not receive message")
	}

	select {
	case m := <-alice.Receive:
		t.Fatalf("alice received her own message %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendNotConnected(t *testing.T) {

	c := New("carol")

	assert.ErrorIs(t, c.Send(context.Background(), "anyone?"), ErrNotConnected)
}

func TestReconnect(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := freeAddr(t)

	c := New("dave")
	c.Retry = RetryConfig{Factor: 2, Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		c.Reconnect(ctx, addr)
		close(done)
	}()

	// nothing listening yet
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.Connected())

	serverCtx, stopServer := context.WithCancel(ctx)
	h := serve(serverCtx, t, addr)

	waitClients(t, h, 1)
	assert.Eventually(t, c.Connected, timeout, 5*time.Millisecond)

	// server goes away, and comes back on the same address
	stopServer()
	assert.Eventually(t, func() bool { return !c.Connected() }, timeout, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		ln.Close()
		return true
	}, timeout, 5*time.Millisecond)

	h = serve(ctx, t, addr)
	waitClients(t, h, 1)

	cancel()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("reconnect did not stop on cancel")
	}
}

func TestFormat(t *testing.T) {

	date := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)

	m := codec.NewMessage("erin", "morning", date)

	assert.Equal(t, "[07:08:09] erin: morning", Format(m))
}
