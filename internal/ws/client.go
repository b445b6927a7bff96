package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
)

var (
	ErrClientClosed = errors.New("ws: client closed")
	ErrSlowClient   = errors.New("ws: send buffer full")
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// ClientConfig tunes one connection. Zero values fall back to defaults.
type ClientConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// RatePerSecond limits inbound actions; 0 disables limiting.
	RatePerSecond float64
	RateBurst     int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = writeWait
	}
	if c.PongWait <= 0 {
		c.PongWait = pongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = maxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = sendBufSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Client represents a single WebSocket connection and is the registry handle for its identity.
// Lifecycle: NewClient -> Start -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	disp    *Dispatcher
	conn    *websocket.Conn
	send    chan protocol.OutgoingMessage
	userID  model.Identity
	cfg     ClientConfig
	limiter *rate.Limiter

	// done is used as a non-blocking guard in Send.
	done chan struct{}
	// ctx and cancel are fixed at construction: the registry may Close a
	// replaced client from another goroutine before Start runs.
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(disp *Dispatcher, conn *websocket.Conn, userID model.Identity, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		disp:   disp,
		conn:   conn,
		send:   make(chan protocol.OutgoingMessage, cfg.SendBuffer),
		userID: userID,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return c
}

func (c *Client) UserID() model.Identity { return c.userID }

// Start launches readPump and writePump. A client closed before Start
// still runs the pumps, which exit at once and unregister it.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.writePump(c.ctx)
	go c.readPump(c.ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// Send enqueues one event without blocking. A full buffer closes the slow client.
func (c *Client) Send(event protocol.EventType, payload any) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- protocol.OutgoingMessage{Type: event, Payload: payload}:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
		return ErrSlowClient
	}
}

func (c *Client) sendError(err error) {
	if sendErr := c.Send(protocol.EventMessageError, ErrorPayload(err)); sendErr != nil {
		logger.Debugf("ws message_error not delivered user=%s: %v", c.userID, sendErr)
	}
}

// readPump reads frames and runs them through the dispatcher one at a time.
// Exits on read error (triggered by conn.Close from Close() or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.disp.Disconnect(c.userID, c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	// Actions already read complete even if the connection drops mid-way.
	actionCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(apperr.Validation("ws.read", "rate limit exceeded"))
			continue
		}

		in, err := protocol.Decode(raw)
		if err != nil {
			c.sendError(err)
			continue
		}
		if err := c.disp.Handle(actionCtx, c.userID, in); err != nil {
			if k := apperr.KindOf(err); k == apperr.KindPersistence || k == apperr.KindInternal {
				logger.Errorf("ws %s user=%s: %v", in.Event(), c.userID, err)
			}
			c.sendError(err)
		}
	}
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker((c.cfg.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain flushes what is already queued, best effort, before the close frame.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg protocol.OutgoingMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
		return nil
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
