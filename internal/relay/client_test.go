package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
)

// startLocalAPI starts an httptest server that also upgrades "/ws-echo" to
// a WebSocket echo loop, standing in for the taskctl HTTP+WS surface the
// relay Client proxies into.
func startLocalAPI(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	mux.HandleFunc("/ws-echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// startFakeCoordinator starts a WS server that hands back the raw
// connection to the test so it can drive the relay Client as the
// coordinator would: send HttpRequest/WsOpen frames, read the replies.
func startFakeCoordinator(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, connCh
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientProxiesHTTPRequest(t *testing.T) {
	localAPI := startLocalAPI(t)
	coordinator, connCh := startFakeCoordinator(t)

	localAddr := strings.TrimPrefix(localAPI.URL, "http://")
	client := NewClient(wsURL(coordinator.URL), "test-token", localAddr, 0, logger.Default())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	coordConn := <-connCh
	defer coordConn.Close()

	require.NoError(t, coordConn.WriteJSON(Frame{
		Type:     FrameHTTPRequest,
		StreamID: "s1",
		Method:   "GET",
		Path:     "/ping",
	}))

	var resp Frame
	require.NoError(t, coordConn.ReadJSON(&resp))
	require.Equal(t, FrameHTTPResponse, resp.Type)
	require.Equal(t, "s1", resp.StreamID)
	require.Equal(t, http.StatusOK, resp.Status)

	body, err := base64.StdEncoding.DecodeString(resp.BodyB64)
	require.NoError(t, err)
	require.Equal(t, "pong", string(body))
}

func TestClientProxiesWSRoundTrip(t *testing.T) {
	localAPI := startLocalAPI(t)
	coordinator, connCh := startFakeCoordinator(t)

	localAddr := strings.TrimPrefix(localAPI.URL, "http://")
	client := NewClient(wsURL(coordinator.URL), "", localAddr, 0, logger.Default())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	coordConn := <-connCh
	defer coordConn.Close()

	require.NoError(t, coordConn.WriteJSON(Frame{
		Type:     FrameWSOpen,
		StreamID: "s2",
		Path:     "/ws-echo",
	}))

	var opened Frame
	require.NoError(t, coordConn.ReadJSON(&opened))
	require.Equal(t, FrameWSOpened, opened.Type)
	require.Equal(t, "s2", opened.StreamID)

	payload := "hello relay"
	require.NoError(t, coordConn.WriteJSON(Frame{
		Type:     FrameWSData,
		StreamID: "s2",
		DataB64:  base64.StdEncoding.EncodeToString([]byte(payload)),
		IsText:   true,
	}))

	var echoed Frame
	require.NoError(t, coordConn.ReadJSON(&echoed))
	require.Equal(t, FrameWSData, echoed.Type)
	require.Equal(t, "s2", echoed.StreamID)
	data, err := base64.StdEncoding.DecodeString(echoed.DataB64)
	require.NoError(t, err)
	require.Equal(t, payload, string(data))
}

func TestClientRejectsWSOpenForUnreachablePath(t *testing.T) {
	localAPI := startLocalAPI(t)
	coordinator, connCh := startFakeCoordinator(t)

	localAddr := strings.TrimPrefix(localAPI.URL, "http://")
	client := NewClient(wsURL(coordinator.URL), "", localAddr, 0, logger.Default())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	coordConn := <-connCh
	defer coordConn.Close()

	require.NoError(t, coordConn.WriteJSON(Frame{
		Type:     FrameWSOpen,
		StreamID: "s3",
		Path:     "/ping", // not a websocket endpoint
	}))

	var rejected Frame
	require.NoError(t, coordConn.ReadJSON(&rejected))
	require.Equal(t, FrameWSRejected, rejected.Type)
	require.Equal(t, "s3", rejected.StreamID)
}

func TestClientRepliesToPing(t *testing.T) {
	localAPI := startLocalAPI(t)
	coordinator, connCh := startFakeCoordinator(t)

	localAddr := strings.TrimPrefix(localAPI.URL, "http://")
	client := NewClient(wsURL(coordinator.URL), "", localAddr, 0, logger.Default())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	coordConn := <-connCh
	defer coordConn.Close()

	require.NoError(t, coordConn.WriteJSON(NewPing(time.Now())))

	var pong Frame
	require.NoError(t, coordConn.ReadJSON(&pong))
	require.Equal(t, FramePong, pong.Type)
}
