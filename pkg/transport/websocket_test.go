package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsServer(t *testing.T, cfg *Config) (string, <-chan Conn) {
	t.Helper()
	accepted := make(chan Conn, 4)
	h := NewWebSocketHandler(func(c Conn) { accepted <- c }, cfg, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), accepted
}

func acceptOne(t *testing.T, accepted <-chan Conn) Conn {
	t.Helper()
	select {
	case c := <-accepted:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
		return nil
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	url, accepted := wsServer(t, nil)

	ctx := context.Background()
	client, err := DialWebSocket(ctx, url, nil, nil)
	require.NoError(t, err)
	defer client.Close()
	server := acceptOne(t, accepted)

	assert.Equal(t, KindWebSocket, server.Kind())
	assert.Equal(t, "127.0.0.1", RemoteIP(server))

	require.NoError(t, client.Send(ctx, []byte("one")))
	require.NoError(t, client.Send(ctx, []byte("two")))
	got, err := collect(server, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)

	require.NoError(t, server.Send(ctx, []byte("reply")))
	got, err = collect(client, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("reply")}, got)
}

func TestWebSocketFrameLimit(t *testing.T) {
	url, accepted := wsServer(t, DefaultConfig().WithMaxFrameSize(16))

	client, err := DialWebSocket(context.Background(), url, nil, nil)
	require.NoError(t, err)
	defer client.Close()
	server := acceptOne(t, accepted)

	require.NoError(t, client.Send(context.Background(), make([]byte, 64)))
	_, err = collect(server, 1)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWebSocketCleanCloseEndsReceive(t *testing.T) {
	url, accepted := wsServer(t, nil)

	client, err := DialWebSocket(context.Background(), url, nil, nil)
	require.NoError(t, err)
	server := acceptOne(t, accepted)

	require.NoError(t, client.Close())
	got, err := collect(server, 1)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestSameOriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no_origin", "", true},
		{"same", "http://example.com", true},
		{"cross", "http://evil.com", false},
		{"garbage", "://", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, SameOriginCheck(r))
		})
	}
}
