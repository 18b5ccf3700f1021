// Package realtimetest provides in-memory hub connections for tests.
package realtimetest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jwalitptl/transfer-portal/internal/realtime"
)

// Conn is a hub connection fed from Frames. It starts with a successful
// handshake response queued.
type Conn struct {
	Frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn() *Conn {
	c := &Conn{Frames: make(chan []byte, 8), closed: make(chan struct{})}
	c.Frames <- []byte("{}\x1e")
	return c
}

// Push queues one hub invocation carrying payload as its only argument.
func (c *Conn) Push(payload string) {
	c.Frames <- []byte(`{"type":1,"target":"ReceiveNotification","arguments":[` + payload + "]}\x1e")
}

// Drop ends the connection as if the server went away.
func (c *Conn) Drop() {
	close(c.Frames)
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.Frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *Conn) WriteMessage([]byte) error       { return nil }
func (c *Conn) SetReadDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Dialer hands out Conns in order and refuses once they run out.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	dials int
}

func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns}
}

func (d *Dialer) Dial(context.Context, string, http.Header) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
