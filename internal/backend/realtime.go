package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"offgrid/internal/models"

	"github.com/gorilla/websocket"
)

const DefaultHeartbeatInterval = 15 * time.Second

var ErrNotConnected = errors.New("realtime connection is not open")

type (
	ChangeHandler    func(models.ChangeEvent)
	BroadcastHandler func(event string, payload json.RawMessage)
)

type realtime struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	nextID     int
	changes    map[string]map[int]ChangeHandler
	broadcasts map[string]map[int]BroadcastHandler

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Connect opens the realtime websocket. The client must be logged in.
func (c *Client) Connect(ctx context.Context, heartbeat time.Duration) error {
	token, _ := c.session()
	if token == "" {
		return ErrUnauthorized
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	u, err := url.Parse(c.baseURL + "/api/realtime")
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to dial realtime: %w", err)
	}

	rt := &realtime{
		conn:       conn,
		changes:    make(map[string]map[int]ChangeHandler),
		broadcasts: make(map[string]map[int]BroadcastHandler),
		closing:    make(chan struct{}),
	}

	c.mu.Lock()
	old := c.rt
	c.rt = rt
	c.mu.Unlock()
	if old != nil {
		_ = old.close()
	}

	rt.wg.Go(func() { c.readPump(rt) })
	rt.wg.Go(func() { c.heartbeat(rt, heartbeat) })
	return nil
}

// Close tears down the realtime connection.
func (c *Client) Close() error {
	c.mu.Lock()
	rt := c.rt
	c.rt = nil
	c.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.close()
}

func (c *Client) live() (*realtime, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rt == nil {
		return nil, ErrNotConnected
	}
	return c.rt, nil
}

// SubscribeChanges delivers INSERT and UPDATE events of the messages
// exchanged with partnerID. The returned function cancels the subscription.
func (c *Client) SubscribeChanges(ctx context.Context, partnerID string, handler ChangeHandler) (func(), error) {
	rt, err := c.live()
	if err != nil {
		return nil, err
	}
	_, userID := c.session()
	if userID == "" {
		return nil, ErrUnauthorized
	}
	topic := models.PairTopic(userID, partnerID)

	rt.mu.Lock()
	id := rt.nextID
	rt.nextID++
	set, ok := rt.changes[topic]
	if !ok {
		set = make(map[int]ChangeHandler)
		rt.changes[topic] = set
	}
	set[id] = handler
	rt.mu.Unlock()

	if !ok {
		frame := models.ClientFrame{Type: models.ClientFrameSubscribeChanges, Topic: partnerID}
		if err := rt.write(frame); err != nil {
			rt.removeChange(topic, id)
			return nil, err
		}
	}

	return func() {
		if rt.removeChange(topic, id) {
			_ = rt.write(models.ClientFrame{Type: models.ClientFrameUnsubscribe, Topic: topic})
		}
	}, nil
}

// SubscribeBroadcast delivers events published on channel.
func (c *Client) SubscribeBroadcast(ctx context.Context, channel string, handler BroadcastHandler) (func(), error) {
	rt, err := c.live()
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	id := rt.nextID
	rt.nextID++
	set, ok := rt.broadcasts[channel]
	if !ok {
		set = make(map[int]BroadcastHandler)
		rt.broadcasts[channel] = set
	}
	set[id] = handler
	rt.mu.Unlock()

	if !ok {
		if err := rt.write(models.ClientFrame{Type: models.ClientFrameSubscribe, Topic: channel}); err != nil {
			rt.removeBroadcast(channel, id)
			return nil, err
		}
	}

	return func() {
		if rt.removeBroadcast(channel, id) {
			_ = rt.write(models.ClientFrame{Type: models.ClientFrameUnsubscribe, Topic: channel})
		}
	}, nil
}

func (c *Client) PublishBroadcast(ctx context.Context, channel, event string, payload any) error {
	rt, err := c.live()
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return rt.write(models.ClientFrame{
		Type:    models.ClientFramePublish,
		Topic:   channel,
		Event:   event,
		Payload: data,
	})
}

func (c *Client) readPump(rt *realtime) {
	for {
		var frame wireFrame
		if err := rt.conn.ReadJSON(&frame); err != nil {
			select {
			case <-rt.closing:
			default:
				c.log.Warn().Err(err).Msg("realtime connection lost")
			}
			return
		}
		rt.dispatch(frame, c)
	}
}

func (c *Client) heartbeat(rt *realtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.closing:
			return
		case <-ticker.C:
			if err := rt.write(models.ClientFrame{Type: models.ClientFrameHeartbeat}); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

// dispatch runs the handlers on the read pump goroutine, one frame at a time.
func (rt *realtime) dispatch(frame wireFrame, c *Client) {
	switch frame.Type {
	case models.ServerFrameChange:
		if frame.Message == nil {
			return
		}
		event := models.ChangeEvent{Kind: models.ChangeKind(frame.Event), Message: frame.Message.toModel()}
		for _, h := range rt.changeHandlers(frame.Topic) {
			h(event)
		}
	case models.ServerFrameBroadcast:
		for _, h := range rt.broadcastHandlers(frame.Topic) {
			h(frame.Event, frame.Payload)
		}
	case models.ServerFrameError:
		c.log.Warn().Str("error", frame.Error).Msg("realtime frame rejected")
	}
}

func (rt *realtime) changeHandlers(topic string) []ChangeHandler {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]ChangeHandler, 0, len(rt.changes[topic]))
	for _, h := range rt.changes[topic] {
		out = append(out, h)
	}
	return out
}

func (rt *realtime) broadcastHandlers(channel string) []BroadcastHandler {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]BroadcastHandler, 0, len(rt.broadcasts[channel]))
	for _, h := range rt.broadcasts[channel] {
		out = append(out, h)
	}
	return out
}

// removeChange reports whether the topic has no handlers left.
func (rt *realtime) removeChange(topic string, id int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	set, ok := rt.changes[topic]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) > 0 {
		return false
	}
	delete(rt.changes, topic)
	return true
}

func (rt *realtime) removeBroadcast(channel string, id int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	set, ok := rt.broadcasts[channel]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) > 0 {
		return false
	}
	delete(rt.broadcasts, channel)
	return true
}

func (rt *realtime) write(frame models.ClientFrame) error {
	select {
	case <-rt.closing:
		return ErrNotConnected
	default:
	}
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	return rt.conn.WriteJSON(frame)
}

func (rt *realtime) close() error {
	var err error
	rt.once.Do(func() {
		close(rt.closing)
		rt.writeMu.Lock()
		_ = rt.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		rt.writeMu.Unlock()
		err = rt.conn.Close()
		rt.wg.Wait()
	})
	return err
}
