package wsconnect

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

func startGateway(t *testing.T) (string, *hub.Hub) {

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.New(hub.Config{})
	go h.Run(ctx)

	g := New(tcpconnect.NewHandler(h, tcpconnect.Config{}, nil, nil), nil, nil)

	srv := httptest.NewServer(NewRouter(g))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", h
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *hub.Hub, n int) {
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r, err := h.Snapshot(ctx)
		return err == nil && len(r.Clients) == n
	}, timeout, 5*time.Millisecond)
}

func TestRelayBetweenWebsockets(t *testing.T) {

	url, h := startGateway(t)

	a := dial(t, url)
	b := dial(t, url)

	waitClients(t, h, 2)

	m := codec.NewMessage("alice", "from a browser", time.Now())
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(timeout)))
	mt, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)

	got, err := codec.Decode(data, 0)
	require.NoError(t, err)
	assert.True(t, m.Equal(got))

	// sender exclusion holds here too
	require.NoError(t, a.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = a.ReadMessage()
	assert.Error(t, err)
}

func TestFrameSplitAcrossMessages(t *testing.T) {

	url, h := startGateway(t)

	a := dial(t, url)
	b := dial(t, url)

	waitClients(t, h, 2)

	m := codec.NewMessage("alice", "in pieces", time.Now())
	frame, err := codec.Encode(m)
	require.NoError(t, err)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame[:2]))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame[2:10]))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame[10:]))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)

	got, err := codec.Decode(data, 0)
	require.NoError(t, err)
	assert.True(t, m.Equal(got))
}

func TestTextMessageDisconnects(t *testing.T) {

	url, h := startGateway(t)

	a := dial(t, url)
	waitClients(t, h, 1)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello")))

	waitClients(t, h, 0)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(timeout)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}
