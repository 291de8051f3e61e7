package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/harun/tenantlink/pkg/network"
	"github.com/harun/tenantlink/pkg/network/networktest"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type pushed struct {
	room    string
	event   string
	payload interface{}
}

type recordingPusher struct {
	mu          sync.Mutex
	events      []pushed
	subscribers int
	onEmit      func(room, event string)
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{subscribers: 1}
}

func (p *recordingPusher) EmitToRoom(room, event string, payload interface{}) int {
	p.mu.Lock()
	p.events = append(p.events, pushed{room: room, event: event, payload: payload})
	hook, n := p.onEmit, p.subscribers
	p.mu.Unlock()
	if hook != nil {
		hook(room, event)
	}
	return n
}

func (p *recordingPusher) names(room string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.room == room {
			out = append(out, e.event)
		}
	}
	return out
}

func (p *recordingPusher) count(room, event string) int {
	n := 0
	for _, name := range p.names(room) {
		if name == event {
			n++
		}
	}
	return n
}

func (p *recordingPusher) last(room, event string) (pushed, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].room == room && p.events[i].event == event {
			return p.events[i], true
		}
	}
	return pushed{}, false
}

type recordingDispatcher struct {
	mu       sync.Mutex
	messages map[string][]network.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, tenant string, msg network.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messages == nil {
		d.messages = make(map[string][]network.Message)
	}
	d.messages[tenant] = append(d.messages[tenant], msg)
}

func (d *recordingDispatcher) count(tenant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages[tenant])
}

// failingFs refuses to create directories whose path contains fail.
type failingFs struct {
	afero.Fs
	fail string
}

func (f *failingFs) MkdirAll(path string, perm os.FileMode) error {
	if f.fail != "" && strings.Contains(path, f.fail) {
		return errors.New("disk full")
	}
	return f.Fs.MkdirAll(path, perm)
}

type testEnv struct {
	manager    *Manager
	factory    *networktest.Factory
	pusher     *recordingPusher
	dispatcher *recordingDispatcher
	creds      *credentials.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithFs(t, afero.NewMemMapFs())
}

func newTestEnvWithFs(t *testing.T, fs afero.Fs) *testEnv {
	t.Helper()

	creds, err := credentials.NewStore(fs, "/data/credentials")
	require.NoError(t, err)

	env := &testEnv{
		factory:    networktest.NewFactory(),
		pusher:     newRecordingPusher(),
		dispatcher: &recordingDispatcher{},
		creds:      creds,
	}

	env.manager, err = NewManager(ManagerOptions{
		Factory:          env.factory,
		Credentials:      creds,
		Router:           NewRouter(env.pusher, zerolog.Nop()),
		Dispatcher:       env.dispatcher,
		Logger:           zerolog.Nop(),
		OperationTimeout: time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.manager.Shutdown(ctx)
	})
	return env
}

// start starts a session and waits for its client to initialize.
func (e *testEnv) start(t *testing.T, tenant string) (*Handle, *networktest.Client) {
	t.Helper()
	h, err := e.manager.StartSession(context.Background(), tenant)
	require.NoError(t, err)
	client, ok := e.factory.Await(tenant, waitFor)
	require.True(t, ok, "client for %s was not initialized", tenant)
	return h, client
}

// connect starts a session and drives it to CONNECTED.
func (e *testEnv) connect(t *testing.T, tenant string) (*Handle, *networktest.Client) {
	t.Helper()
	h, client := e.start(t, tenant)
	client.EmitReady()
	require.Eventually(t, func() bool { return h.State() == StateConnected }, waitFor, tick)
	return h, client
}
