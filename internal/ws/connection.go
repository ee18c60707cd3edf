package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outboundBuffer = 64
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Join(ctx context.Context, userID string, conn registry.Sink) error
	Leave(ctx context.Context, userID string, conn registry.Sink)
	Dispatch(ctx context.Context, userID string, conn registry.Sink, data []byte)
}

// Connection is one live websocket of an identity. The read loop
// dispatches inbound frames; the write loop drains outbound messages
// and keeps the peer alive with pings.
type Connection struct {
	id       string
	ws       wsConnection
	hub      messageHub
	userID   string
	outbound chan models.ServerMessage
	done     chan struct{}
	doneOnce sync.Once
	errorCh  chan error

	pingPeriod time.Duration
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		ws:         ws,
		hub:        hub,
		userID:     userID,
		outbound:   make(chan models.ServerMessage, outboundBuffer),
		done:       make(chan struct{}),
		errorCh:    make(chan error, 2),
		pingPeriod: pingPeriod,
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() string {
	return c.userID
}

// Send queues msg for the write loop. It fails with registry.ErrClosed once
// the connection is gone and with registry.ErrSendTimeout when the queue
// stays full until ctx is done.
func (c *Connection) Send(ctx context.Context, msg models.ServerMessage) error {
	select {
	case <-c.done:
		return registry.ErrClosed
	default:
	}

	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return registry.ErrClosed
	case <-ctx.Done():
		return registry.ErrSendTimeout
	}
}

// Handle admits the connection through the hub and runs it until the
// client goes away or ctx is cancelled. The write loop starts before
// admission so the joining status snapshot drains as it is queued.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	if err := c.hub.Join(ctx, c.userID, c); err != nil {
		cancel()
		wg.Wait()
		c.markDone()
		c.closeWith(websocket.ClosePolicyViolation, string(models.ErrorCode(err)))
		return err
	}

	defer func() {
		c.markDone()
		c.hub.Leave(context.WithoutCancel(ctx), c.userID, c)
	}()

	wg.Go(func() {
		c.errorCh <- c.readLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isNormalClose(err) {
		return err
	}

	return nil
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.Dispatch(ctx, c.userID, c, data)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outbound:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
