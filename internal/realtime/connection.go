package realtime

import (
	"context"
	"errors"
	"sync"

	"offgrid/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type sessionHub interface {
	Join(userID string) *Session
	Leave(s *Session)
	Dispatch(s *Session, frame models.ClientFrame) error
}

// Connection pumps frames between one websocket and the hub.
type Connection struct {
	ws         wsConnection
	hub        sessionHub
	session    *Session
	fromClient chan models.ClientFrame
}

func NewConnection(hub sessionHub, ws wsConnection, userID string) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		session:    hub.Join(userID),
		fromClient: make(chan models.ClientFrame),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.fromClient)
		c.hub.Leave(c.session)
	}()

	// Only the error that ended the session is reported. Errors caused by
	// the shutdown itself are not.
	var (
		once     sync.Once
		firstErr error
	)
	stop := func(err error) {
		if err != nil && ctx.Err() == nil {
			once.Do(func() { firstErr = err })
		}
		cancel()
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		stop(c.pumpFrames(ctx))
	})

	wg.Go(func() {
		stop(c.mainLoop(ctx))
	})

	<-ctx.Done()
	c.ws.Close()
	wg.Wait()

	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	frames := c.session.Frames()
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.hub.Dispatch(c.session, frame); err != nil {
				// Rejected frames are reported, the session stays open.
				reply := models.ServerFrame{
					Type:  models.ServerFrameError,
					Topic: frame.Topic,
					Error: err.Error(),
				}
				if err := c.ws.WriteJSON(reply); err != nil {
					return err
				}
			}
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
