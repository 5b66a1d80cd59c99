package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSocketClosed is returned by Recv and Send once the socket is gone.
var ErrSocketClosed = errors.New("socket closed")

// Socket is one connection epoch to the chat server. Implementations
// must allow Close to be called concurrently with a blocked Recv.
type Socket interface {
	// Send writes one packet. Safe to call from a single goroutine.
	Send(p *Packet) error
	// Recv blocks for the next packet. Returns ErrSocketClosed or the
	// transport error once the connection dies.
	Recv() (*Packet, error)
	Close() error
}

// Dialer opens sockets. The room session only ever sees this interface,
// so tests substitute a scripted fake.
type Dialer interface {
	Dial(ctx context.Context, address string) (Socket, error)
}

// WSDialer dials the server over a websocket.
type WSDialer struct {
	// HandshakeTimeout bounds the initial dial; zero means 10s.
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the gap between server packets; the server
	// pings well inside this window, so hitting it means the
	// connection is dead. Zero means 60s.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single packet write. Zero means 10s.
	WriteTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, address string) (Socket, error) {
	handshake := d.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	ws := &wsSocket{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})
	return ws, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (s *wsSocket) Send(p *Packet) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(p); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

func (s *wsSocket) Recv() (*Packet, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	var p Packet
	if err := s.conn.ReadJSON(&p); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrSocketClosed
		}
		return nil, fmt.Errorf("socket read: %w", err)
	}
	return &p, nil
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
