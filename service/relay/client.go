package relay

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/service/bus"
	"PPAuth/tools/errs"
	"PPAuth/tools/safe"
)

type ClientConf struct {
	URL        string // ws://host:port/ws
	Origin     string
	Self       string // context id
	MinBackoff time.Duration
	MaxBackoff time.Duration
	WriteWait  time.Duration
}

func (c *ClientConf) norm() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
}

var _ bus.Bus = (*Client)(nil)

// Client is a bus.Bus backed by a relay connection. It reconnects with
// exponential backoff; messages published while disconnected fail with a
// NetworkError and are not queued.
type Client struct {
	conf ClientConf
	log  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[uint64]bus.Handler
	nextID   uint64
	closed   bool

	wmu  sync.Mutex // gorilla allows one concurrent writer
	stop chan struct{}
	wg   sync.WaitGroup
}

// Dial connects once synchronously, then keeps the connection alive in
// the background until Close.
func Dial(ctx context.Context, conf ClientConf, log *zap.Logger) (*Client, error) {
	conf.norm()
	c := &Client{
		conf:     conf,
		log:      logger.OrNamed(log, "relay-client"),
		handlers: make(map[string]map[uint64]bus.Handler),
		stop:     make(chan struct{}),
	}
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = ws
	c.wg.Add(1)
	go c.run(ws)
	return c, nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.conf.URL)
	if err != nil {
		return "", errs.ErrMalformed.WrapMsg("relay url", "url", c.conf.URL)
	}
	q := u.Query()
	q.Set("origin", c.conf.Origin)
	q.Set("ctx", c.conf.Self)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ep, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, ep, nil)
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("relay dial", "url", c.conf.URL, "err", err.Error())
	}
	return ws, nil
}

func (c *Client) run(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(ws)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		ws = c.reconnect()
		if ws == nil {
			return
		}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	backoff := c.conf.MinBackoff
	for attempt := 1; ; attempt++ {
		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-c.stop:
			return nil
		case <-time.After(wait):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.conf.WriteWait)
		ws, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = ws.Close()
				return nil
			}
			c.conn = ws
			c.mu.Unlock()
			c.log.Info("relay reconnected", zap.Int("attempt", attempt))
			return ws
		}
		c.log.Debug("relay reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		backoff = min(backoff*2, c.conf.MaxBackoff)
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.log.Debug("relay read error", zap.Error(err))
			_ = ws.Close()
			return
		}
		f, perr := ParseFrameJSON(data)
		if perr != nil {
			c.log.Debug("drop bad frame", zap.Error(perr))
			continue
		}
		if f.Msg.Origin == c.conf.Self {
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *Frame) {
	c.mu.Lock()
	hs := make([]bus.Handler, 0, len(c.handlers[f.Topic]))
	for _, h := range c.handlers[f.Topic] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		func() {
			defer safe.Recover(c.log, "relay handler")
			if err := h(context.Background(), f.Msg); err != nil {
				c.log.Warn("handler error", zap.String("topic", f.Topic), zap.String("type", f.Msg.Type), zap.Error(err))
			}
		}()
	}
}

func (c *Client) Publish(_ context.Context, topic string, msg bus.Message) error {
	data, err := (&Frame{Topic: topic, Msg: msg}).Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return errs.ErrClosed.WrapMsg("relay client closed")
	}
	if ws == nil {
		return errs.ErrNetwork.WrapMsg("relay disconnected", "topic", topic)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.ErrNetwork.WrapMsg("relay write", "topic", topic, "err", err.Error())
	}
	return nil
}

func (c *Client) Subscribe(topic string, h bus.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.ErrClosed.WrapMsg("relay client closed")
	}
	c.nextID++
	id := c.nextID
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[uint64]bus.Handler)
	}
	c.handlers[topic][id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers[topic], id)
		c.mu.Unlock()
	}, nil
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	c.handlers = map[string]map[uint64]bus.Handler{}
	c.mu.Unlock()

	close(c.stop)
	if ws != nil {
		c.wmu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = ws.Close()
	}
	c.wg.Wait()
	return nil
}
