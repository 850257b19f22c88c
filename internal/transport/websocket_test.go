package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades and echoes frames until the peer goes away. If
// closeAfter is positive it closes the connection after that many frames.
func echoServer(t *testing.T, closeAfter int) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for n := 0; ; n++ {
			if closeAfter > 0 && n == closeAfter {
				return
			}
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_SendReceive(t *testing.T) {
	url := echoServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := NewWebSocketDialer(nil).Dial(ctx, url)
	require.NoError(t, err)
	defer ch.Close()

	for _, frame := range []string{`{"type":"Ping"}`, `{"type":"GetState"}`} {
		require.NoError(t, ch.Send(ctx, []byte(frame)))
		got, err := ch.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, frame, string(got))
	}
}

func TestWebSocket_PeerCloseIsErrClosed(t *testing.T) {
	url := echoServer(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := NewWebSocketDialer(nil).Dial(ctx, url)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(ctx, []byte(`{"type":"Ping"}`)))
	_, err = ch.Receive(ctx)
	require.NoError(t, err)

	_, err = ch.Receive(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestWebSocket_ReceiveHonorsContext(t *testing.T) {
	url := echoServer(t, 0)
	ch, err := NewWebSocketDialer(nil).Dial(context.Background(), url)
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ch.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocket_SendAfterClose(t *testing.T) {
	url := echoServer(t, 0)
	ch, err := NewWebSocketDialer(nil).Dial(context.Background(), url)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	err = ch.Send(context.Background(), []byte(`{"type":"Ping"}`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocket_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebSocketDialer(nil).Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestClosedError(t *testing.T) {
	cause := errors.New("eof")
	err := error(&ClosedError{Cause: cause})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transport closed: eof", err.Error())
	assert.Equal(t, "transport closed", (&ClosedError{}).Error())
}
