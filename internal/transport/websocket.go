// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"biostream/internal/classify"
	"biostream/internal/log"
	"biostream/internal/stream"
)

var wsLog = log.New("websocket")

// Message is the JSON envelope broadcast to every client.
type Message struct {
	Type    string           `json:"type"`             // "samples", "classification", "error" or "session"
	Times   []float64        `json:"t,omitempty"`      // Seconds since session start.
	Values  [][]float64      `json:"values,omitempty"` // [sample][channel]
	Result  *classify.Result `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
	Session string           `json:"session,omitempty"`
}

// WebSocketSink broadcasts pipeline events as JSON to connected clients.
type WebSocketSink struct {
	addr      string
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan any
	server    *http.Server
	listener  net.Listener
	done      chan struct{}
	closeOnce sync.Once

	session string
	dropped uint64
}

// NewWebSocketSink listens on addr and serves clients on /ws.
func NewWebSocketSink(addr string) (*WebSocketSink, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wst := &WebSocketSink{
		addr: ln.Addr().String(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Displays are served from other origins.
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan any, 256),
		listener:  ln,
		done:      make(chan struct{}),
	}
	wst.start()
	return wst, nil
}

// Addr returns the bound listen address.
func (wst *WebSocketSink) Addr() string { return wst.addr }

func (wst *WebSocketSink) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wst.handleWebSocket)
	wst.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		wsLog.Infof("serving on ws://%s/ws", wst.addr)
		if err := wst.server.Serve(wst.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wsLog.Errorf("server error: %v", err)
		}
	}()
	go wst.handleBroadcasts()
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (wst *WebSocketSink) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLog.Warnf("upgrade error: %v", err)
		return
	}

	wst.clientsMu.Lock()
	wst.clients[conn] = true
	n := len(wst.clients)
	wst.clientsMu.Unlock()
	wsLog.Infof("client connected, total: %d", n)

	// Clients never send; a read error means they went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				wst.clientsMu.Lock()
				delete(wst.clients, conn)
				n := len(wst.clients)
				wst.clientsMu.Unlock()
				conn.Close()
				wsLog.Infof("client disconnected, total: %d", n)
				return
			}
		}
	}()
}

// handleBroadcasts sends messages to all connected clients.
func (wst *WebSocketSink) handleBroadcasts() {
	for {
		select {
		case data := <-wst.broadcast:
			wst.clientsMu.Lock()
			for client := range wst.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(data); err != nil {
					wsLog.Warnf("error sending to client: %v", err)
					client.Close()
					delete(wst.clients, client)
				}
			}
			wst.clientsMu.Unlock()
		case <-wst.done:
			return
		}
	}
}

// Send queues data for broadcast, dropping it when the queue is full.
func (wst *WebSocketSink) Send(data any) error {
	select {
	case wst.broadcast <- data:
	default:
		wst.clientsMu.Lock()
		wst.dropped++
		wst.clientsMu.Unlock()
	}
	return nil
}

// Dropped returns the number of messages discarded because the broadcast
// queue was full.
func (wst *WebSocketSink) Dropped() uint64 {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return wst.dropped
}

// OnSessionStart tags subsequent messages with the session id.
func (wst *WebSocketSink) OnSessionStart(id string, _ time.Time) {
	wst.clientsMu.Lock()
	wst.session = id
	wst.clientsMu.Unlock()
}

func (wst *WebSocketSink) sessionID() string {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return wst.session
}

// OnSamples broadcasts processed samples.
func (wst *WebSocketSink) OnSamples(samples []stream.Sample) {
	if len(samples) == 0 {
		return
	}
	msg := Message{Type: "samples", Session: wst.sessionID(), Times: make([]float64, len(samples)), Values: make([][]float64, len(samples))}
	for i, s := range samples {
		msg.Times[i] = s.Time.Seconds()
		msg.Values[i] = s.Values
	}
	wst.Send(msg)
}

// OnClassification broadcasts one result.
func (wst *WebSocketSink) OnClassification(res classify.Result) {
	wst.Send(Message{Type: "classification", Session: wst.sessionID(), Result: &res})
}

// OnError broadcasts a pipeline error.
func (wst *WebSocketSink) OnError(err error) {
	wst.Send(Message{Type: "error", Session: wst.sessionID(), Error: err.Error()})
}

// Close shuts down the WebSocket server.
func (wst *WebSocketSink) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		wsLog.Infof("closing server")
		close(wst.done)

		wst.clientsMu.Lock()
		for client := range wst.clients {
			client.Close()
		}
		wst.clients = make(map[*websocket.Conn]bool)
		wst.clientsMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = wst.server.Shutdown(ctx)
	})
	return err
}

// Ensure WebSocketSink satisfies the interface.
var _ Sender = (*WebSocketSink)(nil)
