package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/practable/chat/pkg/codec"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetLevel(log.PanicLevel)
}

var errBroken = errors.New("broken pipe")

type fakeConn struct {
	addr   string
	frames chan []byte
	fail   bool

	once   sync.Once
	closed chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:   addr,
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Send(frame []byte) error {
	if c.fail {
		return errBroken
	}
	select {
	case c.frames <- frame:
		return nil
	default:
		return errors.New("queue full")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func start(t *testing.T, config Config) (*Hub, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(config)
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func send(t *testing.T, h *Hub, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Send(ctx, e))
}

// report also acts as a barrier: every event sent before it has been handled
func report(t *testing.T, h *Hub) Report {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := h.Snapshot(ctx)
	require.NoError(t, err)
	return r
}

func receive(t *testing.T, c *fakeConn) codec.Message {
	select {
	case frame := <-c.frames:
		m, err := codec.Decode(frame, 0)
		require.NoError(t, err)
		return m
	case <-time.After(time.Second):
		t.Fatalf("%s: timeout waiting for frame", c.addr)
	}
	return codec.Message{}
}

func TestRegistry(t *testing.T) {

	h, _ := start(t, Config{})

	a := newFakeConn("10.0.0.1:1000")
	b := newFakeConn("10.0.0.2:2000")

	send(t, h, Connected{Conn: a})
	send(t, h, Connected{Conn: b})

	assert.Equal(t, []string{"10.0.0.1:1000", "10.0.0.2:2000"}, report(t, h).Clients)

	send(t, h, Disconnected{Addr: a.addr})
	send(t, h, Disconnected{Addr: a.addr})
	send(t, h, Disconnected{Addr: "10.9.9.9:9"})

	assert.Equal(t, []string{"10.0.0.2:2000"}, report(t, h).Clients)

	// the handler owns its socket on an ordinary disconnect
	assert.False(t, a.isClosed())
}

func TestBroadcastExcludesSender(t *testing.T) {

	h, _ := start(t, Config{})

	a := newFakeConn("a:1")
	b := newFakeConn("b:2")
	c := newFakeConn("c:3")

	for _, conn := range []*fakeConn{a, b, c} {
		send(t, h, Connected{Conn: conn})
	}

	m := codec.NewMessage("alice", "hello", time.Now())

	send(t, h, Inbound{Addr: a.addr, Message: m, Received: time.Now()})

	assert.True(t, m.Equal(receive(t, b)))
	assert.True(t, m.Equal(receive(t, c)))

	report(t, h)
	assert.Equal(t, 0, len(a.frames), "sender received its own message")
}

func TestBroadcastPreservesOrder(t *testing.T) {

	h, _ := start(t, Config{EventBuffer: 8})

	a := newFakeConn("a:1")
	b := newFakeConn("b:2")

	send(t, h, Connected{Conn: a})
	send(t, h, Connected{Conn: b})

	n := 100

	go func() {
		for i := 0; i < n; i++ {
			m := codec.NewMessage("alice", fmt.Sprintf("%03d", i), time.Now())
			_ = h.Send(context.Background(), Inbound{Addr: a.addr, Message: m})
		}
	}()

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("%03d", i), receive(t, b).Body)
	}
}

func TestFailedRecipientIsDropped(t *testing.T) {

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	h, _ := start(t, Config{Logger: log.NewEntry(logger)})

	a := newFakeConn("a:1")
	bad := newFakeConn("bad:2")
	bad.fail = true
	c := newFakeConn("c:3")

	for _, conn := range []*fakeConn{a, bad, c} {
		send(t, h, Connected{Conn: conn})
	}

	m := codec.NewMessage("alice", "still delivered", time.Now())
	send(t, h, Inbound{Addr: a.addr, Message: m})

	assert.True(t, m.Equal(receive(t, c)))

	r := report(t, h)
	assert.Equal(t, []string{"a:1", "c:3"}, r.Clients)
	assert.Equal(t, uint64(1), r.Dropped)
	assert.True(t, bad.isClosed())

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["addr"] == "bad:2" {
			warned = true
		}
	}
	assert.True(t, warned)

	// later messages skip the dropped client without further errors
	send(t, h, Inbound{Addr: c.addr, Message: m})
	assert.True(t, m.Equal(receive(t, a)))
}

func TestDuplicateAddressReplaces(t *testing.T) {

	logger, hook := test.NewNullLogger()

	h, _ := start(t, Config{Logger: log.NewEntry(logger)})

	first := newFakeConn("x:1")
	second := newFakeConn("x:1")
	y := newFakeConn("y:2")

	send(t, h, Connected{Conn: first})
	send(t, h, Connected{Conn: second})
	send(t, h, Connected{Conn: y})

	assert.Equal(t, []string{"x:1", "y:2"}, report(t, h).Clients)

	m := codec.NewMessage("yan", "who gets this", time.Now())
	send(t, h, Inbound{Addr: y.addr, Message: m})

	assert.True(t, m.Equal(receive(t, second)))
	report(t, h)
	assert.Equal(t, 0, len(first.frames))

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["addr"] == "x:1" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestShutdown(t *testing.T) {

	h, cancel := start(t, Config{})

	a := newFakeConn("a:1")
	send(t, h, Connected{Conn: a})
	report(t, h)

	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	assert.True(t, a.isClosed())

	err := h.Send(context.Background(), Connected{Conn: newFakeConn("b:2")})
	assert.ErrorIs(t, err, ErrHubClosed)

	_, err = h.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestSendHonoursContext(t *testing.T) {

	// not running, so the buffer fills
	h := New(Config{EventBuffer: 1})

	require.NoError(t, h.Send(context.Background(), Disconnected{Addr: "a:1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Send(ctx, Disconnected{Addr: "a:1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStats(t *testing.T) {

	h, _ := start(t, Config{})

	a := newFakeConn("a:1")
	b := newFakeConn("b:2")
	c := newFakeConn("c:3")

	for _, conn := range []*fakeConn{a, b, c} {
		send(t, h, Connected{Conn: conn})
	}

	for i := 0; i < 3; i++ {
		m := codec.NewMessage("alice", "x", time.Now())
		send(t, h, Inbound{Addr: a.addr, Message: m, Received: time.Now()})
	}

	r := report(t, h)

	assert.Equal(t, uint64(3), r.Messages)
	assert.Equal(t, uint64(3), r.Audience.Count)
	assert.Equal(t, 2.0, r.Audience.Mean)
	assert.Equal(t, uint64(3), r.Latency.Count)
	assert.NotEmpty(t, r.Started)
	assert.NotEmpty(t, r.Last)
}
