// Package websocket implements the connection.Transport contract over a
// WebSocket client connection. Frames are JSON envelopes:
//
//	{"op": "subscribe" | "unsubscribe" | "publish" | "message",
//	 "topic": "...", "body": <raw JSON>}
//
// The server echoes data frames with op "message"; subscribe and
// unsubscribe are fire-and-forget.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nndrao/components-sub001/connection"
	"github.com/nndrao/components-sub001/errors"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// envelope is the wire frame exchanged with the server.
type envelope struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Transport carries messages over a WebSocket connection.
type Transport struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	done    chan struct{}

	writeMu sync.Mutex

	onMessage func(connection.Message)
	onClosed  func(error)
}

// New creates a WebSocket transport for the given ws:// or wss:// URL.
func New(url string) (*Transport, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "New", "url is required")
	}
	return &Transport{url: url}, nil
}

// Dial opens the WebSocket and starts the read loop.
func (t *Transport) Dial(ctx context.Context, opts connection.DialOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket", "Dial", "already connected")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			return errors.WrapTransient(err, "websocket", "Dial",
				fmt.Sprintf("dial %s failed with status %d", t.url, resp.StatusCode))
		}
		return errors.WrapTransient(err, "websocket", "Dial", fmt.Sprintf("dial %s failed", t.url))
	}

	t.conn = conn
	t.closing = false
	t.done = make(chan struct{})
	t.onMessage = opts.OnMessage
	t.onClosed = opts.OnClosed

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.readLoop(conn, t.done)
	go t.pingLoop(conn, t.done)
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			cb := t.onClosed
			// Clear the connection so a later Dial can reconnect. Close
			// already detached it when closing is set.
			if t.conn == conn {
				t.conn = nil
				t.done = nil
			}
			t.mu.Unlock()
			_ = conn.Close()
			if !closing && cb != nil {
				cb(errors.WrapTransient(err, "websocket", "readLoop", "read failed"))
			}
			close(done)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Not our frame format, skip it
			continue
		}
		if env.Op != "message" {
			continue
		}
		t.mu.Lock()
		onMessage := t.onMessage
		t.mu.Unlock()
		if onMessage != nil {
			onMessage(connection.Message{Topic: env.Topic, Data: env.Body})
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) send(env envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "websocket", "send", "no connection")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return errors.WrapTransient(err, "websocket", "send", fmt.Sprintf("write %s frame failed", env.Op))
	}
	return nil
}

// Publish sends a publish frame for the topic.
func (t *Transport) Publish(topic string, data []byte) error {
	body := json.RawMessage(data)
	if !json.Valid(data) {
		encoded, err := json.Marshal(string(data))
		if err != nil {
			return errors.WrapInvalid(errors.ErrSerialization, "websocket", "Publish", "payload encoding failed")
		}
		body = encoded
	}
	return t.send(envelope{Op: "publish", Topic: topic, Body: body})
}

// Subscribe sends a subscribe frame for the topic.
func (t *Transport) Subscribe(topic string) error {
	return t.send(envelope{Op: "subscribe", Topic: topic})
}

// Unsubscribe sends an unsubscribe frame for the topic.
func (t *Transport) Unsubscribe(topic string) error {
	return t.send(envelope{Op: "unsubscribe", Topic: topic})
}

// Close sends a close frame and tears the socket down. OnClosed is not
// invoked for a deliberate close.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	conn := t.conn
	done := t.done
	t.conn = nil
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	t.writeMu.Unlock()

	err := conn.Close()

	select {
	case <-done:
	case <-time.After(writeTimeout):
	}
	if err != nil {
		return errors.WrapTransient(err, "websocket", "Close", "close failed")
	}
	return nil
}
