package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport carries encoded frames between the client and the server.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	// Recv blocks until a frame arrives or the transport fails.
	Recv() ([]byte, error)
	Close() error
}

// WSTransport is a gorilla websocket connection.
type WSTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
}

// Dial opens a websocket to url. header typically carries Authorization.
func Dial(ctx context.Context, url string, header http.Header) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &WSTransport{conn: conn, writeWait: 10 * time.Second}, nil
}

func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WSTransport) Recv() ([]byte, error) {
	_, frame, err := t.conn.ReadMessage()
	return frame, err
}

func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
