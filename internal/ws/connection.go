package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"palaver/internal/models"
)

const authTimeout = 30 * time.Second

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type dispatcher interface {
	Authenticate(connID string, ev models.ClientEvent) (models.Identity, <-chan models.ServerEvent, error)
	Dispatch(ctx context.Context, connID string, identity models.Identity, ev models.ClientEvent)
	Disconnect(connID string)
}

// Connection pumps one websocket session: a reader goroutine feeding
// inbound events and a main loop that interleaves them with coordinator
// fan-out. The first inbound event must be authenticate.
type Connection struct {
	ws         wsConnection
	coord      dispatcher
	connID     string
	identity   models.Identity
	fromClient chan models.ClientEvent
	fromServer <-chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(coord dispatcher, ws wsConnection, connID string) *Connection {
	return &Connection{
		ws:         ws,
		coord:      coord,
		connID:     connID,
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

// Handle drives the session to completion. It returns after the transport
// closes or the context is canceled; a transport-level close is not an
// error.
func (c *Connection) Handle(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		_ = c.ws.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.coord.Disconnect(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// authenticate waits for the mandatory first event. Anything else, or a
// bad token, is rejected point-to-point before any registration happens.
func (c *Connection) authenticate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	type result struct {
		ev  models.ClientEvent
		err error
	}
	read := make(chan result, 1)
	go func() {
		var ev models.ClientEvent
		err := c.ws.ReadJSON(&ev)
		read <- result{ev: ev, err: err}
	}()

	var ev models.ClientEvent
	select {
	case r := <-read:
		if r.err != nil {
			return fmt.Errorf("read during authentication: %w", r.err)
		}
		ev = r.ev
	case <-ctx.Done():
		return ctx.Err()
	}

	if ev.Type != models.ClientAuthenticate {
		c.reject(ev.Type, models.ErrAuthenticationRequired)
		return models.ErrAuthenticationRequired
	}

	identity, fromServer, err := c.coord.Authenticate(c.connID, ev)
	if err != nil {
		c.reject(ev.Type, err)
		return err
	}

	c.identity = identity
	c.fromServer = fromServer
	return nil
}

func (c *Connection) reject(op models.ClientEventType, err error) {
	if op == "" {
		op = models.ClientAuthenticate
	}
	_ = c.ws.WriteJSON(models.ErrorEvent(op, err, time.Now().UnixMilli()))
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.coord.Dispatch(ctx, c.connID, c.identity, ev)
		case ev, ok := <-c.fromServer:
			if !ok {
				// Registry closed our channel; the session is over.
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
