package account

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/orris-inc/flowlink/internal/application/command"
	"github.com/orris-inc/flowlink/internal/application/flowsync"
	"github.com/orris-inc/flowlink/internal/infrastructure/flowstore"
	"github.com/orris-inc/flowlink/internal/infrastructure/transport"
	apperrors "github.com/orris-inc/flowlink/internal/shared/errors"
	sharedConfig "github.com/orris-inc/flowlink/internal/shared/config"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// backend plays the account side: one WebSocket per tenant under /devices/.
type backend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	rejects  int32

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	inbox   map[string]chan []byte
	headers map[string]http.Header
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		conns:   make(map[string]*websocket.Conn),
		inbox:   make(map[string]chan []byte),
		headers: make(map[string]http.Header),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) host() string {
	return strings.TrimPrefix(b.srv.URL, "http://")
}

func (b *backend) box(tenant string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inbox[tenant]
	if !ok {
		ch = make(chan []byte, 64)
		b.inbox[tenant] = ch
	}
	return ch
}

func (b *backend) serve(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&b.rejects, -1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	tenant := strings.TrimPrefix(r.URL.Path, "/devices/")
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns[tenant] = conn
	b.headers[tenant] = r.Header.Clone()
	b.mu.Unlock()

	inbox := b.box(tenant)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		inbox <- data
	}
}

func (b *backend) send(t *testing.T, tenant, frame string) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.conns[tenant] != nil
	}, 3*time.Second, 10*time.Millisecond)

	b.mu.Lock()
	conn := b.conns[tenant]
	b.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (b *backend) receive(t *testing.T, tenant string) gjson.Result {
	t.Helper()
	select {
	case data := <-b.box(tenant):
		return gjson.ParseBytes(data)
	case <-time.After(3 * time.Second):
		t.Fatalf("no frame received for %s", tenant)
		return gjson.Result{}
	}
}

type fixture struct {
	registry *Registry
	store    *flowstore.Store
	backend  *backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()

	store := flowstore.NewStore(filepath.Join(t.TempDir(), "flows.json"), log)

	opts := transport.DefaultOptions()
	opts.ReconnectBase = 10 * time.Millisecond
	opts.ReconnectJitter = 5 * time.Millisecond
	opts.SlowRetryBase = 20 * time.Millisecond
	opts.SlowRetryJitter = 5 * time.Millisecond
	opts.HeartbeatInterval = 0

	actions := command.SystemActions(command.SystemOptions{Flows: store})
	registry := NewRegistry(Options{
		Device:        sharedConfig.DeviceConfig{ID: "dev-1", Hostname: "edge01"},
		Transport:     opts,
		TransportPath: "/devices",
		Actions:       actions,
	}, log)
	coordinator := flowsync.NewCoordinator(store, registry, log)
	actions.Register(device.CatSys, device.ActSyncFlows, coordinator.HandleSyncFlows)
	t.Cleanup(registry.Close)

	return &fixture{registry: registry, store: store, backend: newBackend(t)}
}

func (f *fixture) register(t *testing.T, tenant string) *Session {
	t.Helper()
	s, err := f.registry.Register(t.Context(), Account{FQN: tenant + "@" + f.backend.host(), User: "dev", Password: "pw"})
	require.NoError(t, err)
	return s
}

func waitOpen(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == transport.StateOpen
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRegistry_FirstAccountIsPrimary(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "acme")
	b := f.register(t, "beta")

	assert.True(t, a.Account().Primary)
	assert.False(t, b.Account().Primary)

	require.NoError(t, f.registry.Remove(a.Account().Name()))
	c := f.register(t, "gamma")
	assert.False(t, c.Account().Primary, "removing the primary must not promote another account")

	err := f.registry.PublishPrimary(&device.Request{Cat: device.CatSys, Act: device.ActDeliverFlows})
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestRegistry_DuplicateIsConflict(t *testing.T) {
	f := newFixture(t)
	f.register(t, "acme")

	_, err := f.registry.Register(t.Context(), Account{FQN: "acme@" + f.backend.host()})
	assert.True(t, apperrors.IsConflictError(err))

	_, err = f.registry.Register(t.Context(), Account{FQN: "no-host"})
	assert.Error(t, err)
}

func TestRegistry_PublishUnknownAccount(t *testing.T) {
	f := newFixture(t)
	err := f.registry.Publish("ghost@nowhere", &device.Request{Cat: device.CatSys})
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestRegistry_HandshakeCarriesDeviceIdentity(t *testing.T) {
	f := newFixture(t)
	waitOpen(t, f.register(t, "acme"))

	f.backend.mu.Lock()
	h := f.backend.headers["acme"]
	f.backend.mu.Unlock()
	assert.Equal(t, "dev-1", h.Get(HeaderDeviceID))
	assert.Equal(t, "edge01", h.Get(HeaderDeviceHostname))
	assert.True(t, strings.HasPrefix(h.Get("Authorization"), "Basic "))
}

func TestRegistry_UpdateFlowsOnSecondaryRequestsRestart(t *testing.T) {
	f := newFixture(t)
	waitOpen(t, f.register(t, "acme"))
	waitOpen(t, f.register(t, "beta"))

	content := `[{"id":"n1","type":"inject"}]`
	f.backend.send(t, "beta", fmt.Sprintf(`{"id":5,"cat":"sys","act":"updateflows","args":{"content":%q}}`, content))

	reply := f.backend.receive(t, "beta")
	assert.EqualValues(t, 5, reply.Get("id").Int())
	assert.EqualValues(t, device.StatusOK, reply.Get("status").Int())
	assert.True(t, reply.Get("restart").Bool())

	assert.Equal(t, flowstore.Sign([]byte(content)), f.store.Signature())
	select {
	case <-f.registry.Restarter().Requested():
	case <-time.After(3 * time.Second):
		t.Fatal("restart was not requested")
	}
	assert.Equal(t, "beta@"+f.backend.host(), f.registry.Restarter().Reason())
}

func TestRegistry_SyncFlowsPrimaryGating(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.store.Path(), []byte(`[]`), 0o644))
	_, _, err := f.store.Refresh()
	require.NoError(t, err)

	waitOpen(t, f.register(t, "acme"))
	waitOpen(t, f.register(t, "beta"))

	frame := `{"id":9,"cat":"sys","act":"syncflows","args":{"expectedSignature":"stale","flowUpdateRequired":false,"flowId":"f1"}}`

	f.backend.send(t, "beta", frame)
	reply := f.backend.receive(t, "beta")
	assert.EqualValues(t, device.StatusNotAllowed, reply.Get("status").Int())

	f.backend.send(t, "acme", frame)
	reply = f.backend.receive(t, "acme")
	assert.EqualValues(t, device.StatusAccepted, reply.Get("status").Int())
	assert.Equal(t, device.ActDeliverFlows, reply.Get("commands.act").String())
	assert.Equal(t, "f1", reply.Get("commands.args.flowId").String())
	require.True(t, reply.Get("commands.id").Exists())

	s, _ := f.registry.Session("acme@" + f.backend.host())
	assert.Equal(t, 1, s.Status().Pending)

	f.backend.send(t, "acme", fmt.Sprintf(`{"id":%d,"status":200}`, reply.Get("commands.id").Int()))
	require.Eventually(t, func() bool { return s.Status().Pending == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestRegistry_UnknownControlActRepliesBadRequest(t *testing.T) {
	f := newFixture(t)
	waitOpen(t, f.register(t, "acme"))

	f.backend.send(t, "acme", `{"id":3,"cat":"ctrl","act":"shuffle"}`)
	reply := f.backend.receive(t, "acme")
	assert.EqualValues(t, 3, reply.Get("id").Int())
	assert.EqualValues(t, device.StatusBadRequest, reply.Get("status").Int())
	assert.Equal(t, "unknown action:shuffle", reply.Get("message").String())
}

func TestRegistry_QueuedFramesReplayOnOpen(t *testing.T) {
	f := newFixture(t)
	f.backend.rejects = 1

	s := f.register(t, "acme")
	req, err := device.NewRequest(device.CatSys, device.ActDeliverFlows, map[string]string{"flowId": "q1"})
	require.NoError(t, err)
	require.NoError(t, f.registry.Publish(s.Account().Name(), req))
	assert.Equal(t, 1, s.Status().Queued)

	frame := f.backend.receive(t, "acme")
	assert.Equal(t, device.ActDeliverFlows, frame.Get("act").String())
	assert.Equal(t, "q1", frame.Get("args.flowId").String())
	assert.Zero(t, s.Status().Queued)
}

func TestRegistry_ReplayedCommandsAreNumberedPerConnection(t *testing.T) {
	f := newFixture(t)
	f.backend.rejects = 1

	s := f.register(t, "acme")
	queuedDone := make(chan error, 1)
	queued := &device.Request{Cat: device.CatSys, Act: device.ActDeliverFlows, Done: func(err error) { queuedDone <- err }}
	require.NoError(t, f.registry.Publish(s.Account().Name(), queued))

	replayed := f.backend.receive(t, "acme")
	assert.Equal(t, device.ActDeliverFlows, replayed.Get("act").String())

	freshDone := make(chan error, 1)
	fresh := &device.Request{Cat: device.CatSys, Act: device.ActInspect, Done: func(err error) { freshDone <- err }}
	require.NoError(t, f.registry.Publish(s.Account().Name(), fresh))
	next := f.backend.receive(t, "acme")
	assert.Equal(t, device.ActInspect, next.Get("act").String())

	require.NotEqual(t, replayed.Get("id").Int(), next.Get("id").Int(), "ids are unique within the connection")
	assert.EqualValues(t, 0, replayed.Get("id").Int(), "replayed commands are numbered on the new connection")

	f.backend.send(t, "acme", fmt.Sprintf(`{"id":%d,"status":405}`, replayed.Get("id").Int()))
	select {
	case err := <-queuedDone:
		var statusErr *apperrors.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, device.StatusNotAllowed, statusErr.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("reply did not reach the replayed command")
	}
	select {
	case err := <-freshDone:
		t.Fatalf("reply completed the wrong command: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, s.Status().Pending)
}

func TestRegistry_Broadcast(t *testing.T) {
	f := newFixture(t)
	waitOpen(t, f.register(t, "acme"))
	waitOpen(t, f.register(t, "beta"))

	f.registry.Broadcast(func() device.Node {
		return &device.Request{Cat: device.CatSys, Act: device.ActSyncFlows, Args: []byte(`{"expectedSignature":"abc"}`)}
	})

	for _, tenant := range []string{"acme", "beta"} {
		frame := f.backend.receive(t, tenant)
		assert.Equal(t, device.ActSyncFlows, frame.Get("act").String())
		assert.Equal(t, "abc", frame.Get("args.expectedSignature").String())
		assert.EqualValues(t, 0, frame.Get("id").Int(), "ids restart at 0 per connection")
	}

	accounts := f.registry.Accounts()
	require.Len(t, accounts, 2)
	assert.True(t, accounts[0].Primary)
	assert.Equal(t, "OPEN", accounts[1].State)
}
