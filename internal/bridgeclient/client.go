// Provides the REST bridge side of the gateway: one Call per WebSocket on the bridge route
package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"sw/ocpp/gateway/internal/logging"
	"sw/ocpp/gateway/internal/ocpp"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultRoute    = "REST"
	DefaultProtocol = "rest"
	DefaultTimeout  = 60 * time.Second

	// the gateway answers with RequestTimeout after its own call timeout; wait a little longer
	replyGrace = 5 * time.Second
)

type Client struct {
	GatewayUrl string
	Route      string
	Protocol   string
	Token      string
	Timeout    time.Duration
	Dialer     *websocket.Dialer

	// the gateway keeps one bridge session per station, so calls to one station are serialized
	locks *xsync.MapOf[string, *sync.Mutex]
}

func New(gatewayUrl string, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		GatewayUrl: strings.TrimRight(gatewayUrl, "/"),
		Route:      DefaultRoute,
		Protocol:   DefaultProtocol,
		Token:      token,
		Timeout:    timeout,
		Dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		locks:      xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (c *Client) endpoint(tenant string, stationID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.GatewayUrl, c.Route,
		url.PathEscape(tenant), url.PathEscape(c.Token), url.PathEscape(stationID))
}

// Call relays action to the station and returns its CallResult payload.
// A CallError from the gateway or station is returned as *ocpp.Error.
func (c *Client) Call(ctx context.Context, tenant string, stationID string, action ocpp.Action, payload json.RawMessage) (json.RawMessage, error) {
	mu, _ := c.locks.LoadOrCompute(tenant+"~"+stationID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()

	logger := logging.ForStation(tenant, stationID, string(action))
	dialer := *c.Dialer
	dialer.Subprotocols = []string{c.Protocol}

	ws, _, err := dialer.DialContext(ctx, c.endpoint(tenant, stationID), nil)
	if err != nil {
		return nil, fmt.Errorf("bridge dial: %w", err)
	}
	defer func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}()

	call, err := ocpp.NewCall(action, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	logger.Debug("<-Send: ", string(data))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// the gateway may already have closed the socket; its close frame says why
		_ = ws.SetReadDeadline(time.Now().Add(time.Second))
		_, _, readErr := ws.ReadMessage()
		return nil, c.readError(call, readErr)
	}

	deadline := time.Now().Add(c.Timeout + replyGrace)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)

	for {
		_, reply, err := ws.ReadMessage()
		if err != nil {
			return nil, c.readError(call, err)
		}
		logger.Debug("->Recv: ", string(reply))

		msg, err := ocpp.ParseMessage(reply)
		if err != nil {
			logger.Warnf("ignoring invalid frame: %s", err)
			continue
		}
		if msg.MessageId() != call.MsgId {
			continue
		}
		switch m := msg.(type) {
		case *ocpp.CallResult:
			return m.Payload, nil
		case *ocpp.CallError:
			return nil, m.AsError()
		}
	}
}

func (c *Client) readError(call *ocpp.Call, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ocpp.TimeoutError{MessageID: call.MsgId, Action: string(call.Action), Timeout: c.Timeout}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
		return fmt.Errorf("%w: %s", ocpp.ErrIdentityValidationFailed, closeErr.Text)
	}
	return fmt.Errorf("%w: %v", ocpp.ErrConnectionClosed, err)
}
