package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sw/ocpp/gateway/internal/dispatch"
	svc "sw/ocpp/gateway/internal/models/service"
	"sw/ocpp/gateway/internal/mq"
	"sw/ocpp/gateway/internal/ocpp"
	"sw/ocpp/gateway/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bridgeToken = "BTOKEN"
	waitFor     = 3 * time.Second
	tick        = 10 * time.Millisecond
)

type fakeValidator struct {
	err error
}

func (v fakeValidator) ValidateStationIdentity(ctx context.Context, tenant string, token string, stationID string) (*svc.Station, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &svc.Station{Tenant: tenant, StationID: stationID, SiteID: "site-1"}, nil
}

type nopStore struct{}

func (nopStore) InsertNextTransaction(ctx context.Context, tx *svc.Transaction) (int64, error) {
	return 1, nil
}

func (nopStore) StopTransaction(ctx context.Context, tenant string, stationID string, transactionId int64, meterStop int, ts time.Time) error {
	return nil
}

type testClient struct {
	ws     *websocket.Conn
	frames chan []byte
	closed chan *websocket.CloseError
}

// start reads continuously so pings get answered.
func (c *testClient) start() *testClient {
	go func() {
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					closeErr = nil
				}
				c.closed <- closeErr
				return
			}
			c.frames <- data
		}
	}()
	return c
}

func (c *testClient) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *testClient) next(t *testing.T) []json.RawMessage {
	t.Helper()
	select {
	case data := <-c.frames:
		var fields []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &fields), string(data))
		return fields
	case <-time.After(waitFor):
		t.Fatal("no frame received")
	}
	return nil
}

func (c *testClient) waitClosed(t *testing.T) *websocket.CloseError {
	t.Helper()
	select {
	case closeErr := <-c.closed:
		return closeErr
	case <-time.After(waitFor):
		t.Fatal("connection not closed")
	}
	return nil
}

type fixture struct {
	srv  *Server
	http *httptest.Server
}

func newFixture(t *testing.T, cfg Config, deps Deps) *fixture {
	t.Helper()
	if deps.StationValidator == nil {
		deps.StationValidator = fakeValidator{}
	}
	if deps.BridgeValidator == nil {
		deps.BridgeValidator = BridgeValidator{Token: bridgeToken}
	}
	if deps.Handler == nil {
		service := dispatch.NewService()
		dispatch.RegisterDefaultHandlers(service, nopStore{}, 0)
		deps.Handler = service
	}
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &fixture{srv: srv, http: ts}
}

func (f *fixture) url(path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func (f *fixture) dial(path string, protocols ...string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: waitFor}
	return dialer.Dial(f.url(path), nil)
}

func (f *fixture) client(t *testing.T, path string, protocol string) *testClient {
	t.Helper()
	ws, _, err := f.dial(path, protocol)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{ws: ws, frames: make(chan []byte, 16), closed: make(chan *websocket.CloseError, 1)}
}

func (f *fixture) station(t *testing.T, stationID string) *testClient {
	t.Helper()
	c := f.client(t, "/OCPP16/T1/TOK1/"+stationID, "ocpp1.6")
	require.Eventually(t, func() bool {
		_, err := f.srv.LookupStationSession("T1", stationID)
		return err == nil
	}, waitFor, tick)
	return c
}

func (f *fixture) bridge(t *testing.T, stationID string) *testClient {
	t.Helper()
	c := f.client(t, "/REST/T1/"+bridgeToken+"/"+stationID, "rest")
	require.Eventually(t, func() bool { return f.srv.BridgeCount() == 1 }, waitFor, tick)
	return c
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestBootNotification(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	cs := f.station(t, "CS-1").start()

	cs.send(t, `[2,"1","BootNotification",{"chargePointVendor":"V","chargePointModel":"M"}]`)
	reply := cs.next(t)
	require.Len(t, reply, 3)
	assert.JSONEq(t, `3`, string(reply[0]))
	assert.Equal(t, "1", str(t, reply[1]))

	var resp ocpp.OcppBootNotificationResponse
	require.NoError(t, json.Unmarshal(reply[2], &resp))
	assert.Equal(t, ocpp.BootStatus_Accepted, resp.Status)
	assert.NotEmpty(t, resp.CurrentTime)
}

func TestCommandOutsideWhitelist(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	cs := f.station(t, "CS-1").start()

	cs.send(t, `[2,"7","Reset",{"type":"Hard"}]`)
	reply := cs.next(t)
	require.Len(t, reply, 5)
	assert.JSONEq(t, `4`, string(reply[0]))
	assert.Equal(t, "7", str(t, reply[1]))
	assert.Equal(t, string(ocpp.NotImplemented), str(t, reply[2]))

	// session stays open
	cs.send(t, `[2,"8","Heartbeat",{}]`)
	assert.Equal(t, "8", str(t, cs.next(t)[1]))
}

func TestMalformedFrameAnswered(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	cs := f.station(t, "CS-1").start()

	cs.send(t, `not json`)
	reply := cs.next(t)
	require.Len(t, reply, 5)
	assert.Equal(t, ocpp.UnknownMessageId, str(t, reply[1]))
}

func TestUpgradeRejects(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})

	tests := []struct {
		name     string
		path     string
		protocol string
		status   int
	}{
		{"unknown route", "/OCPP20/T1/TOK1/CS-1", "ocpp1.6", http.StatusNotFound},
		{"wrong protocol", "/OCPP16/T1/TOK1/CS-1", "rest", http.StatusBadRequest},
		{"no protocol", "/OCPP16/T1/TOK1/CS-1", "", http.StatusBadRequest},
		{"bridge protocol on station route", "/REST/T1/BTOKEN/CS-1", "ocpp1.6", http.StatusBadRequest},
		{"invalid station id", "/OCPP16/T1/TOK1/CS$1", "ocpp1.6", http.StatusNotFound},
		{"too many segments", "/OCPP16/T1/TOK1/CS-1/x", "ocpp1.6", http.StatusNotFound},
		{"bridge without token", "/REST/T1/CS-1", "rest", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var protocols []string
			if tt.protocol != "" {
				protocols = []string{tt.protocol}
			}
			_, resp, err := f.dial(tt.path, protocols...)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, f.srv.StationCount())
	assert.Equal(t, 0, f.srv.BridgeCount())
}

func TestLegacyURL(t *testing.T) {
	f := newFixture(t, Config{AllowLegacyURL: true}, Deps{})
	cs := f.client(t, "/OCPP16/T1/CS-9", "ocpp1.6").start()

	cs.send(t, `[2,"1","Heartbeat",{}]`)
	assert.Equal(t, "1", str(t, cs.next(t)[1]))
	_, err := f.srv.LookupStationSession("T1", "CS-9")
	assert.NoError(t, err)
}

func TestIdentityValidationFailure(t *testing.T) {
	f := newFixture(t, Config{}, Deps{StationValidator: fakeValidator{err: errors.New("unknown station")}})
	cs := f.client(t, "/OCPP16/T1/TOK1/CS-1", "ocpp1.6").start()

	closeErr := cs.waitClosed(t)
	require.NotNil(t, closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, ReasonAuthFailed, closeErr.Text)
	assert.Equal(t, 0, f.srv.StationCount())
}

func TestDuplicateSupersedesLivePrevious(t *testing.T) {
	f := newFixture(t, Config{PingWait: time.Second}, Deps{})
	first := f.station(t, "CS-1").start()
	second := f.client(t, "/OCPP16/T1/TOK1/CS-1", "ocpp1.6").start()

	closeErr := first.waitClosed(t)
	require.NotNil(t, closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, ReasonSuperseded, closeErr.Text)

	second.send(t, `[2,"2","Heartbeat",{}]`)
	assert.Equal(t, "2", str(t, second.next(t)[1]))
	assert.Equal(t, 1, f.srv.StationCount())
}

func TestDuplicateOverwritesUnresponsivePrevious(t *testing.T) {
	bus := &recordingBus{messages: map[string][]string{}}
	notifier := mq.NewNotifier(bus, "node-1", 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	f := newFixture(t, Config{PingWait: 100 * time.Millisecond}, Deps{Notifier: notifier})
	// never reads, so never answers pings
	f.station(t, "CS-1")
	second := f.client(t, "/OCPP16/T1/TOK1/CS-1", "ocpp1.6").start()

	second.send(t, `[2,"2","Heartbeat",{}]`)
	assert.Equal(t, "2", str(t, second.next(t)[1]))

	require.Eventually(t, func() bool {
		return strings.Contains(bus.joined(mq.MqChannelName_Notify), mq.NotifyMsg_ClientSuperseded)
	}, waitFor, tick)
	assert.Contains(t, bus.joined(mq.MqChannelName_Notify), `"reason":"`+ReasonUnresponsive+`"`)
	assert.Equal(t, 1, f.srv.StationCount())
}

func TestMessageFromUnregisteredSessionRegistersIt(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	cs := f.station(t, "CS-1").start()
	sess, err := f.srv.LookupStationSession("T1", "CS-1")
	require.NoError(t, err)
	require.True(t, f.srv.unregister(sess))
	require.Equal(t, 0, f.srv.StationCount())

	cs.send(t, `[2,"1","Heartbeat",{}]`)
	assert.Equal(t, "1", str(t, cs.next(t)[1]))

	registered, err := f.srv.LookupStationSession("T1", "CS-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Conn().GUID(), registered.Conn().GUID())
	assert.Equal(t, 1, f.srv.StationCount())
}

// pointRegistryAt makes the registry entry of stationID hold the session of other.
func pointRegistryAt(t *testing.T, f *fixture, stationID string, other string) (*session.Session, *session.Session) {
	t.Helper()
	sess, err := f.srv.LookupStationSession("T1", stationID)
	require.NoError(t, err)
	otherSess, err := f.srv.LookupStationSession("T1", other)
	require.NoError(t, err)
	f.srv.stations.Store(sess.Key(), otherSess)
	return sess, otherSess
}

func TestMismatchedSenderClosedWhileRegisteredAnswers(t *testing.T) {
	f := newFixture(t, Config{PingWait: time.Second}, Deps{})
	sender := f.station(t, "CS-1").start()
	f.station(t, "CS-2").start()
	_, current := pointRegistryAt(t, f, "CS-1", "CS-2")

	sender.send(t, `[2,"1","Heartbeat",{}]`)
	closeErr := sender.waitClosed(t)
	require.NotNil(t, closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, ReasonSuperseded, closeErr.Text)

	// the registered session keeps the slot
	sess, err := f.srv.LookupStationSession("T1", "CS-1")
	require.NoError(t, err)
	assert.Equal(t, current.Conn().GUID(), sess.Conn().GUID())
	assert.False(t, current.Conn().IsClosed())
}

func TestMismatchedSenderReplacesUnresponsiveRegistered(t *testing.T) {
	f := newFixture(t, Config{PingWait: 100 * time.Millisecond}, Deps{})
	sender := f.station(t, "CS-1").start()
	// never reads, so never answers pings
	f.station(t, "CS-2")
	sess, current := pointRegistryAt(t, f, "CS-1", "CS-2")

	sender.send(t, `[2,"1","Heartbeat",{}]`)
	assert.Equal(t, "1", str(t, sender.next(t)[1]))

	assert.True(t, current.Conn().IsClosed())
	registeredNow, err := f.srv.LookupStationSession("T1", "CS-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Conn().GUID(), registeredNow.Conn().GUID())
}

func TestBridgeForwardsToStation(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	cs := f.station(t, "CS-1").start()
	br := f.bridge(t, "CS-1").start()

	br.send(t, `[2,"9","RemoteStartTransaction",{"connectorId":1,"idTag":"TAG"}]`)

	call := cs.next(t)
	require.Len(t, call, 4)
	assert.JSONEq(t, `2`, string(call[0]))
	assert.Equal(t, string(ocpp.RemoteStartTransaction), str(t, call[2]))
	assert.JSONEq(t, `{"connectorId":1,"idTag":"TAG"}`, string(call[3]))
	cs.send(t, fmt.Sprintf(`[3,%s,{"status":"Accepted"}]`, call[1]))

	reply := br.next(t)
	require.Len(t, reply, 3)
	assert.Equal(t, "9", str(t, reply[1]))
	assert.JSONEq(t, `{"status":"Accepted"}`, string(reply[2]))
}

func TestBridgeRemoteStartTimeout(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 200 * time.Millisecond}, Deps{})
	cs := f.station(t, "CS-1").start()
	br := f.bridge(t, "CS-1").start()

	br.send(t, `[2,"9","RemoteStartTransaction",{"connectorId":1}]`)
	// station receives the call and never answers
	assert.Equal(t, string(ocpp.RemoteStartTransaction), str(t, cs.next(t)[2]))

	reply := br.next(t)
	require.Len(t, reply, 5)
	assert.Equal(t, "9", str(t, reply[1]))
	var details map[string]any
	require.NoError(t, json.Unmarshal(reply[4], &details))
	assert.Equal(t, ocpp.ReasonRequestTimeout, details[ocpp.DetailReason])

	// the station session is unaffected
	_, err := f.srv.LookupStationSession("T1", "CS-1")
	assert.NoError(t, err)
}

func TestBridgeStationNotConnected(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	br := f.bridge(t, "CS-404").start()

	br.send(t, `[2,"9","Reset",{"type":"Soft"}]`)
	reply := br.next(t)
	require.Len(t, reply, 5)
	var details map[string]any
	require.NoError(t, json.Unmarshal(reply[4], &details))
	assert.Equal(t, ocpp.ReasonNotConnected, details[ocpp.DetailReason])
}

func TestBridgeTokenRejected(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	br := f.client(t, "/REST/T1/WRONG/CS-1", "rest").start()

	closeErr := br.waitClosed(t)
	require.NotNil(t, closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 0, f.srv.BridgeCount())
}

func TestLookupStationSessionNotConnected(t *testing.T) {
	srv := New(Config{}, Deps{})
	defer srv.Close()

	_, err := srv.LookupStationSession("T1", "CS-1")
	assert.ErrorIs(t, err, ocpp.ErrNotConnected)
}

func TestSweepEvictsUnresponsive(t *testing.T) {
	f := newFixture(t, Config{PingWait: 50 * time.Millisecond, PingFailureThreshold: 2}, Deps{})
	f.station(t, "CS-1")

	f.srv.Sweep(context.Background())
	assert.Equal(t, 1, f.srv.StationCount())
	f.srv.Sweep(context.Background())
	assert.Equal(t, 0, f.srv.StationCount())

	_, err := f.srv.LookupStationSession("T1", "CS-1")
	assert.ErrorIs(t, err, ocpp.ErrNotConnected)
}

func TestSweepKeepsResponsive(t *testing.T) {
	f := newFixture(t, Config{PingWait: time.Second, PingFailureThreshold: 1}, Deps{})
	f.station(t, "CS-1").start()

	for i := 0; i < 3; i++ {
		f.srv.Sweep(context.Background())
	}
	assert.Equal(t, 1, f.srv.StationCount())
}

func TestClientCloseUnregisters(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	cs := f.station(t, "CS-1")

	require.NoError(t, cs.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return f.srv.StationCount() == 0 }, waitFor, tick)
}

func TestURLLock(t *testing.T) {
	srv := New(Config{OpenLockTimeout: 50 * time.Millisecond}, Deps{})
	defer srv.Close()
	ctx := context.Background()

	release, err := srv.lockURL(ctx, "/OCPP16/T1/TOK1/CS-1")
	require.NoError(t, err)

	_, err = srv.lockURL(ctx, "/OCPP16/T1/TOK1/CS-1")
	assert.ErrorIs(t, err, ErrOpenLockTimeout)

	// other urls are independent
	other, err := srv.lockURL(ctx, "/OCPP16/T1/TOK1/CS-2")
	require.NoError(t, err)
	other()

	acquired := make(chan func(), 1)
	go func() {
		r, err := srv.lockURL(ctx, "/OCPP16/T1/TOK1/CS-1")
		if err == nil {
			acquired <- r
		}
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	select {
	case r := <-acquired:
		r()
	case <-time.After(waitFor):
		t.Fatal("waiter not woken on release")
	}
}

func TestHealthHandler(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	ko := func(ctx context.Context) error { return errors.New("db down") }

	rec := httptest.NewRecorder()
	HealthHandler(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	HealthHandler(ok, ko).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "KO", rec.Body.String())
}

type recordingBus struct {
	mu       sync.Mutex
	messages map[string][]string
}

func (b *recordingBus) MqConnect() error                  { return nil }
func (b *recordingBus) Close() error                      { return nil }
func (b *recordingBus) MqQueueDeclare(name string) error  { return nil }
func (b *recordingBus) SetupMqTopicReceiver(string) error { return nil }
func (b *recordingBus) RunMqTopicReceiver(ctx context.Context, name string, process func([]byte)) error {
	return nil
}

func (b *recordingBus) MqMessagePublish(channelName string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channelName] = append(b.messages[channelName], string(payload))
	return nil
}

func (b *recordingBus) joined(channelName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.messages[channelName], "\n")
}

func TestNotifications(t *testing.T) {
	bus := &recordingBus{messages: map[string][]string{}}
	notifier := mq.NewNotifier(bus, "node-1", 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	f := newFixture(t, Config{}, Deps{Notifier: notifier})
	cs := f.station(t, "CS-1").start()
	cs.send(t, `[2,"1","Heartbeat",{}]`)
	cs.next(t)
	require.NoError(t, cs.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		return strings.Contains(bus.joined(mq.MqChannelName_Notify), mq.NotifyMsg_ClientDisconnected)
	}, waitFor, tick)
	notify := bus.joined(mq.MqChannelName_Notify)
	assert.Contains(t, notify, mq.NotifyMsg_ClientConnected)
	assert.Contains(t, notify, `"T1~CS-1"`)

	require.Eventually(t, func() bool {
		return strings.Count(bus.joined(mq.MqChannelName_MessagesIn), `"T1~CS-1"`) == 2
	}, waitFor, tick)
	frames := bus.joined(mq.MqChannelName_MessagesIn)
	assert.Contains(t, frames, `"direction":"`+session.FrameIn+`"`)
	assert.Contains(t, frames, `"direction":"`+session.FrameOut+`"`)
}
