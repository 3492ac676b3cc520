package fanout

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsFixture(t *testing.T, authToken string) (*Manager, *httptest.Server) {
	t.Helper()
	manager := testManager(DefaultOptions())
	server := httptest.NewServer(NewHandler(manager, authToken))
	t.Cleanup(server.Close)
	return manager, server
}

func wsURL(server *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialWS(t *testing.T, url, authToken string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if authToken != "" {
		header.Set("x-pt-auth-token", authToken)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func soleClientSubscriptions(m *Manager) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.clients {
		subs := map[string]bool{}
		for topic, on := range state.subscriptions {
			subs[topic] = on
		}
		return subs
	}
	return nil
}

func TestHandlerRejectsBadToken(t *testing.T) {
	_, server := wsFixture(t, "local-secret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandlerRejectsInvalidTopicQuery(t *testing.T) {
	manager, server := wsFixture(t, "local-secret")

	conn := dialWS(t, wsURL(server, "topic=bogus"), "local-secret")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, 0, manager.ClientCount())
}

func TestHandlerDeliversSubscribedEvents(t *testing.T) {
	manager, server := wsFixture(t, "local-secret")

	conn := dialWS(t, wsURL(server, "topic=market"), "local-secret")
	require.Eventually(t, func() bool { return manager.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, manager.StreamEvent(marketEvent("a")))
	manager.FlushAll(0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "event", frame["type"])
	require.Equal(t, "market", frame["topic"])
	require.Equal(t, map[string]any{"n": "a"}, frame["payload"])
}

func TestHandlerControlFrameExpandsSubscriptions(t *testing.T) {
	manager, server := wsFixture(t, "local-secret")

	conn := dialWS(t, wsURL(server, "topic=order"), "local-secret")
	require.Eventually(t, func() bool { return manager.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, map[string]bool{"order": true}, soleClientSubscriptions(manager))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"topics": []string{"market"},
	}))
	require.Eventually(t, func() bool {
		return soleClientSubscriptions(manager)["market"]
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, manager.StreamEvent(marketEvent("b")))
	manager.FlushAll(0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "market", frame["topic"])
}

func TestHandlerClientCloseUnregisters(t *testing.T) {
	manager, server := wsFixture(t, "")

	conn := dialWS(t, wsURL(server, ""), "")
	require.Eventually(t, func() bool { return manager.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	// Empty subscription list defaults to every topic.
	require.Len(t, soleClientSubscriptions(manager), len(EventTopics))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return manager.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
