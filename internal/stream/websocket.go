package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Conn is one open message-stream connection carrying text frames.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
}

// Dialer opens connections for a Client.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// WebSocketDialer dials cfg.URL as a WebSocket endpoint.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	wsCfg, err := websocket.NewConfig(cfg.URL, cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("stream: websocket config: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	ws, err := wsCfg.DialContext(dialCtx)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFrameBytes > 0 {
		ws.MaxPayloadBytes = cfg.MaxFrameBytes
	}
	return &wsConn{ws: ws, writeTimeout: cfg.WriteTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	var payload []byte
	if err := websocket.Message.Receive(c.ws, &payload); err != nil {
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame sends payload as a single text frame.
func (c *wsConn) WriteFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return websocket.Message.Send(c.ws, string(payload))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
