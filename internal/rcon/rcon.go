// Package rcon implements the Source remote-console wire protocol: little-
// endian framed packets over a single TCP connection, authenticated once
// with a shared password. The game-server adapter owns command ordering;
// this package only speaks the framing.
package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Packet types. Auth responses reuse the exec-command value; the two are
// told apart by direction.
const (
	typeResponse     int32 = 0
	typeCommand      int32 = 2
	typeAuthResponse int32 = 2
	typeAuth         int32 = 3
)

// maxPacketSize is the largest legal frame payload: 4096 body bytes plus
// id, type, and the two NUL terminators.
const maxPacketSize = 4096 + 10

var (
	// ErrAuthFailed means the server refused the password.
	ErrAuthFailed = errors.New("rcon: authentication refused")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("rcon: connection closed")
)

// Conn is one authenticated RCON connection. Execute calls are serialized;
// Close may interrupt an in-flight Execute.
type Conn struct {
	mu     sync.Mutex
	tcp    net.Conn
	nextID int32
	closed atomic.Bool
	logger *slog.Logger
}

// Dial connects to addr and authenticates with password.
func Dial(ctx context.Context, addr, password string, logger *slog.Logger) (*Conn, error) {
	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rcon: dial %s: %w", addr, err)
	}

	c := &Conn{
		tcp:    tcp,
		nextID: 1,
		logger: logger.With("component", "rcon"),
	}
	if err := c.auth(ctx, password); err != nil {
		tcp.Close()
		return nil, err
	}
	c.logger.Debug("authenticated", "addr", addr)
	return c, nil
}

func (c *Conn) auth(ctx context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	restore := c.applyDeadline(ctx)
	defer restore()

	if _, err := c.tcp.Write(encodePacket(id, typeAuth, password)); err != nil {
		return fmt.Errorf("rcon: send auth: %w", err)
	}

	// Some servers send an empty response value before the auth response.
	for {
		pkt, err := readPacket(c.tcp)
		if err != nil {
			return c.readError(ctx, err, "auth")
		}
		if pkt.typ != typeAuthResponse {
			continue
		}
		if pkt.id == -1 {
			return ErrAuthFailed
		}
		if pkt.id == id {
			return nil
		}
	}
}

// Execute sends a command and returns the server's response text. Responses
// split across multiple frames are reassembled with a trailing marker
// request; frames answering earlier, timed-out requests are discarded.
func (c *Conn) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return "", ErrClosed
	}

	id := c.nextID
	markerID := id + 1
	c.nextID += 2

	restore := c.applyDeadline(ctx)
	defer restore()

	if _, err := c.tcp.Write(encodePacket(id, typeCommand, command)); err != nil {
		return "", c.readError(ctx, err, "send command")
	}
	if _, err := c.tcp.Write(encodePacket(markerID, typeResponse, "")); err != nil {
		return "", c.readError(ctx, err, "send marker")
	}

	var buf bytes.Buffer
	for {
		pkt, err := readPacket(c.tcp)
		if err != nil {
			return "", c.readError(ctx, err, "read response")
		}
		switch {
		case pkt.id == markerID:
			return buf.String(), nil
		case pkt.id == id && pkt.typ == typeResponse:
			buf.WriteString(pkt.body)
		case pkt.id < id:
			c.logger.Debug("discarding stale response", "id", pkt.id)
		default:
			c.logger.Debug("discarding unexpected packet", "id", pkt.id, "type", pkt.typ)
		}
	}
}

// Close shuts the connection down. Safe to call twice and from a different
// goroutine than Execute.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.tcp.Close()
}

// applyDeadline arms the socket deadline from ctx and returns a restore
// func. Context cancellation forces the deadline into the past so blocked
// reads abort promptly.
func (c *Conn) applyDeadline(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		c.tcp.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		c.tcp.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		c.tcp.SetDeadline(time.Time{})
	}
}

func (c *Conn) readError(ctx context.Context, err error, op string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rcon: %s: %w", op, ctxErr)
	}
	return fmt.Errorf("rcon: %s: %w", op, err)
}

type packet struct {
	id   int32
	typ  int32
	body string
}

func encodePacket(id, typ int32, body string) []byte {
	size := 10 + len(body)
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(typ))
	copy(buf[12:], body)
	// trailing two NULs are already zero
	return buf
}

func readPacket(r io.Reader) (packet, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(head[:]))
	if size < 10 || size > maxPacketSize {
		return packet{}, fmt.Errorf("bad packet size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return packet{}, err
	}
	return packet{
		id:   int32(binary.LittleEndian.Uint32(payload[0:4])),
		typ:  int32(binary.LittleEndian.Uint32(payload[4:8])),
		body: string(payload[8 : size-2]),
	}, nil
}
