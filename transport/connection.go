// Package transport implements the client side of one request/response exchange.
//
// A Connection owns exactly one socket and serves exactly one exchange:
//
//	Dial ──→ Send(frame) ──→ ReceiveExact(9) ──→ ReceiveExact(length-1) ──→ Close
//
// There is no multiplexing, no reuse and no retry. A single deadline covers
// connect, send and receive, so a stuck peer surfaces as a timeout instead of
// blocking the caller forever.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"dvbcache/message"
	"dvbcache/protocol"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultKeepAlive = 30 * time.Second
)

// Options tunes how a Connection is established.
type Options struct {
	Timeout   time.Duration // bounds the whole exchange; DefaultTimeout when zero
	KeepAlive time.Duration // TCP keep-alive period; DefaultKeepAlive when zero
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	return o
}

// ShortReadError reports a stream that ended before the expected byte count.
type ShortReadError struct {
	Expected int
	Actual   int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("Size not equal: expected %d, actual %d", e.Expected, e.Actual)
}

// Connection is a single-use socket to a cache node.
type Connection struct {
	conn net.Conn
	addr string
}

// network picks "unix" for absolute socket paths and "tcp" for host:port.
func network(addr string) string {
	if strings.HasPrefix(addr, "/") {
		return "unix"
	}
	return "tcp"
}

// deadline is now+timeout, or the context deadline when that comes first.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

// Dial connects to addr. Keep-alive and TCP_NODELAY are enabled on TCP sockets.
// The context only contributes its deadline: once dialing has started, the
// exchange runs to completion, timeout or transport error.
func Dial(ctx context.Context, addr string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	until := deadline(ctx, opts.Timeout)

	dialer := net.Dialer{Deadline: until, KeepAlive: opts.KeepAlive}
	conn, err := dialer.Dial(network(addr), addr)
	if err != nil {
		return nil, netError(err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
	}
	if err := conn.SetDeadline(until); err != nil {
		conn.Close()
		return nil, netError(err)
	}
	return &Connection{conn: conn, addr: addr}, nil
}

// NewConnection wraps an already established connection. The caller is
// responsible for its deadline.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, addr: conn.RemoteAddr().String()}
}

// Send transmits a complete frame with one blocking write.
func (c *Connection) Send(frame []byte) error {
	if _, err := c.conn.Write(frame); err != nil {
		return netError(err)
	}
	return nil
}

// ReceiveExact blocks until exactly n bytes have arrived. If the peer closes
// the stream first, the error carries a *ShortReadError with both counts.
func (c *Connection) ReceiveExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(c.conn, buf)
	if err == nil {
		return buf, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		short := &ShortReadError{Expected: n, Actual: got}
		return nil, message.NewTransportError(short.Error(), short)
	}
	return nil, netError(err)
}

// Communicate performs exactly one exchange: one send, one header read and one
// payload read. A header with a foreign magic tag fails before the length is
// used, and the connection must not be used afterwards.
func (c *Connection) Communicate(frame []byte) (*message.Response, error) {
	if err := c.Send(frame); err != nil {
		return nil, err
	}

	headerBuf, err := c.ReceiveExact(protocol.HeaderSize)
	if err != nil {
		return nil, err
	}
	header, err := protocol.ParseHeader(headerBuf)
	if err != nil {
		return nil, message.NewProtocolError(message.FailedInvalidStructure, err)
	}

	payload, err := c.ReceiveExact(header.PayloadLen())
	if err != nil {
		return nil, err
	}
	return &message.Response{Action: header.Action, Payload: payload}, nil
}

// Addr returns the address this connection was dialed to.
func (c *Connection) Addr() string {
	return c.addr
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// Exchange dials addr, sends one request frame, waits for its response and
// tears the connection down.
func Exchange(ctx context.Context, addr string, opts Options, action protocol.Action, payload []byte) (*message.Response, error) {
	conn, err := Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.Communicate(protocol.Marshal(action, payload))
}

// netError maps a network error onto a transport *message.Error.
func netError(err error) *message.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return message.NewTransportError(message.FailedConnectionTimeout, err)
	}
	return message.NewTransportError(message.FailedConnectionFailed, err)
}
