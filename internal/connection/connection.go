// Provides the raw WebSocket handle backing one protocol session
package connection

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sw/ocpp/gateway/internal/helpers"
	"sw/ocpp/gateway/internal/ocpp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// Close codes sent by the gateway
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
	CloseTryAgainLater   = websocket.CloseTryAgainLater
)

const DefaultWriteWait = 10 * time.Second

var ErrNoPong = errors.New("no pong received")

type Connection struct {
	guid           string
	ws             *websocket.Conn
	url            string
	remoteAddr     string
	protocol       string
	firstConnected time.Time
	writeWait      time.Duration

	closed       *atomic.Bool
	lastPing     *atomic.Int64
	lastPong     *atomic.Int64
	pingFailures *atomic.Int32

	writeMutex sync.Mutex
	// pings awaiting their pong, keyed by the ping payload
	pingSeq     *atomic.Uint64
	pongWaiters *xsync.MapOf[string, chan struct{}]
}

// New wraps an upgraded socket. req is the upgrade request.
func New(ws *websocket.Conn, req *http.Request) *Connection {
	c := &Connection{
		guid:           uuid.New().String(),
		ws:             ws,
		url:            req.URL.Path,
		remoteAddr:     req.RemoteAddr,
		protocol:       ws.Subprotocol(),
		firstConnected: helpers.Now(),
		writeWait:      DefaultWriteWait,
		closed:         atomic.NewBool(false),
		lastPing:       atomic.NewInt64(0),
		lastPong:       atomic.NewInt64(0),
		pingFailures:   atomic.NewInt32(0),
		pingSeq:        atomic.NewUint64(0),
		pongWaiters:    xsync.NewMapOf[string, chan struct{}](),
	}
	ws.SetPongHandler(func(appData string) error {
		c.lastPong.Store(helpers.Now().UnixNano())
		if waiter, ok := c.pongWaiters.LoadAndDelete(appData); ok {
			close(waiter)
		}
		return nil
	})
	return c
}

func (c *Connection) GUID() string              { return c.guid }
func (c *Connection) URL() string               { return c.url }
func (c *Connection) RemoteAddr() string        { return c.remoteAddr }
func (c *Connection) Protocol() string          { return c.protocol }
func (c *Connection) FirstConnected() time.Time { return c.firstConnected }
func (c *Connection) IsClosed() bool            { return c.closed.Load() }

func (c *Connection) LastPing() time.Time { return time.Unix(0, c.lastPing.Load()) }
func (c *Connection) LastPong() time.Time { return time.Unix(0, c.lastPong.Load()) }

func (c *Connection) IncrementPingFailures() int32 { return c.pingFailures.Inc() }
func (c *Connection) ResetPingFailures()           { c.pingFailures.Store(0) }
func (c *Connection) PingFailures() int32          { return c.pingFailures.Load() }

func (c *Connection) SetReadLimit(limit int64) {
	if limit > 0 {
		c.ws.SetReadLimit(limit)
	}
}

// ReadMessage blocks for the next data frame. Only the server read loop calls it.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ocpp.ErrConnectionClosed
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a transport level ping; it does not wait for the pong.
func (c *Connection) Ping() error {
	return c.ping(nil)
}

func (c *Connection) ping(payload []byte) error {
	if c.closed.Load() {
		return ocpp.ErrConnectionClosed
	}
	c.lastPing.Store(helpers.Now().UnixNano())
	return c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(c.writeWait))
}

// PingAndWait pings and waits up to wait for the pong echoing this ping.
// Concurrent callers each wait for their own pong.
func (c *Connection) PingAndWait(ctx context.Context, wait time.Duration) error {
	token := strconv.FormatUint(c.pingSeq.Inc(), 10)
	waiter := make(chan struct{})
	c.pongWaiters.Store(token, waiter)
	defer c.pongWaiters.Delete(token)

	if err := c.ping([]byte(token)); err != nil {
		return err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-waiter:
		return nil
	case <-timer.C:
		return ErrNoPong
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is idempotent: the flag flips before the socket is touched.
func (c *Connection) Close(code int, reason string) error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
