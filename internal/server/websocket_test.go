package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaserver/internal/download"
	"mediaserver/internal/store"
)

type wsFrame struct {
	Type   string            `json:"type"`
	Seq    int64             `json:"seq"`
	Active []download.Record `json:"active"`
	Queued []download.Record `json:"queued"`
}

func dialProgress(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/download/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocket_PushesListingOnConnectAndInterval(t *testing.T) {
	mgr := newMockMgr()
	rec, err := mgr.Submit("https://x.example/a", "a.bin", "")
	require.NoError(t, err)
	s := newTestServer(t, mgr, Options{ProgressInterval: 20 * time.Millisecond})

	conn := dialProgress(t, s)
	first := readFrame(t, conn)
	assert.Equal(t, "listing", first.Type)
	require.Len(t, first.Queued, 1)
	assert.Equal(t, rec.ID, first.Queued[0].ID)
	assert.Empty(t, first.Active)

	mgr.mu.Lock()
	mgr.listing = download.Listing{Active: []download.Record{{ID: uuid.New(), Status: download.StatusRunning}}}
	mgr.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		f := readFrame(t, conn)
		if len(f.Active) == 1 {
			assert.Empty(t, f.Queued)
			break
		}
		require.True(t, time.Now().Before(deadline), "listing change never pushed")
	}
}

func TestWebsocket_NotifiesFinished(t *testing.T) {
	st, err := store.Open("", 10)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s := newTestServer(t, newMockMgr(), Options{History: st, ProgressInterval: time.Hour})

	conn := dialProgress(t, s)
	assert.Equal(t, "listing", readFrame(t, conn).Type)

	seq, err := st.Record(context.Background(), store.Entry{ID: uuid.NewString(), URL: "https://x.example/a", Path: "a", Outcome: store.OutcomeCompleted})
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, "finished", f.Type)
	assert.Equal(t, seq, f.Seq)
	assert.Equal(t, "listing", readFrame(t, conn).Type)
}

func TestWebsocket_CloseEndsStream(t *testing.T) {
	s := New(newMockMgr(), Options{ProgressInterval: time.Hour})
	conn := dialProgress(t, s)
	readFrame(t, conn)

	s.Close()
	s.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestWebsocket_RequiresUpgrade(t *testing.T) {
	s := newTestServer(t, newMockMgr(), Options{})
	w := doJSON(t, s, http.MethodGet, "/download/ws", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
