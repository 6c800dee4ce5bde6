// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biostream/internal/classify"
	"biostream/internal/stream"
)

func dial(t *testing.T, sink *WebSocketSink) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+sink.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, sink *WebSocketSink, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		sink.clientsMu.Lock()
		defer sink.clientsMu.Unlock()
		return len(sink.clients) == n
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketSinkBroadcast(t *testing.T) {
	sink, err := NewWebSocketSink("127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	conn := dial(t, sink)
	waitForClients(t, sink, 1)

	sink.OnSessionStart("session-1", time.Now())
	sink.OnSamples([]stream.Sample{
		{Time: 0, Values: []float64{1, 2}},
		{Time: 500 * time.Millisecond, Values: []float64{3, 4}},
	})
	sink.OnClassification(classify.Result{Time: time.Second, Label: classify.Wakeful, Confidence: 0.9})
	sink.OnError(errors.New("boom"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "samples", msg.Type)
	assert.Equal(t, "session-1", msg.Session)
	assert.Equal(t, []float64{0, 0.5}, msg.Times)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, msg.Values)

	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "classification", msg.Type)
	require.NotNil(t, msg.Result)
	assert.Equal(t, classify.Wakeful, msg.Result.Label)
	assert.InDelta(t, 0.9, msg.Result.Confidence, 1e-9)

	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "boom", msg.Error)
}

func TestWebSocketSinkClientDisconnect(t *testing.T) {
	sink, err := NewWebSocketSink("127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	conn := dial(t, sink)
	waitForClients(t, sink, 1)
	require.NoError(t, conn.Close())
	waitForClients(t, sink, 0)
}

func TestWebSocketSinkDropsWhenFull(t *testing.T) {
	// No broadcaster is running, so the queue fills and further sends drop.
	sink := &WebSocketSink{broadcast: make(chan any, 2)}
	for range 5 {
		require.NoError(t, sink.Send("x"))
	}
	assert.Equal(t, uint64(3), sink.Dropped())
}

func TestLoggingSink(t *testing.T) {
	ls := NewLoggingSink()
	ls.OnSessionStart("abc", time.Now())
	ls.OnClassification(classify.Result{Label: classify.Wakeful})
	ls.OnClassification(classify.Result{Label: classify.Wakeful})
	ls.OnClassification(classify.Result{Label: classify.Drowsy})
	ls.OnError(errors.New("lost"))

	ls.mu.Lock()
	defer ls.mu.Unlock()
	assert.Equal(t, classify.Drowsy, ls.last[0])
	assert.Len(t, ls.last, 1)
}
