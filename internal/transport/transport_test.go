package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lumenhop/jingletun/internal/bridge"
)

// mockChannel is a Channel stand-in that lets a test flip its
// readable/writable bits and fire its callbacks directly, simulating what a
// real Channel implementation (e.g. internal/channel.PeerChannel) does from
// its own goroutines.
type mockChannel struct {
	mu        sync.Mutex
	readable  bool
	writable  bool
	cb        ChannelCallbacks
	connected bool
	reset     bool

	signalingReadyCount int
	candidates          []Candidate
}

func (m *mockChannel) Connect()          { m.mu.Lock(); m.connected = true; m.mu.Unlock() }
func (m *mockChannel) Reset()            { m.mu.Lock(); m.reset = true; m.mu.Unlock() }
func (m *mockChannel) OnSignalingReady() { m.mu.Lock(); m.signalingReadyCount++; m.mu.Unlock() }
func (m *mockChannel) OnCandidate(cand Candidate) {
	m.mu.Lock()
	m.candidates = append(m.candidates, cand)
	m.mu.Unlock()
}
func (m *mockChannel) Readable() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.readable }
func (m *mockChannel) Writable() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.writable }
func (m *mockChannel) SetCallbacks(cb ChannelCallbacks) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

func (m *mockChannel) setReadable(v bool) {
	m.mu.Lock()
	m.readable = v
	fn := m.cb.OnReadableState
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *mockChannel) setWritable(v bool) {
	m.mu.Lock()
	m.writable = v
	fn := m.cb.OnWritableState
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *mockChannel) requestSignaling() {
	m.mu.Lock()
	fn := m.cb.OnRequestSignaling
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *mockChannel) readyCandidate(cand Candidate) {
	m.mu.Lock()
	fn := m.cb.OnCandidateReady
	m.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// mockFactory hands out mockChannels and records destroy/signaling-ready calls.
type mockFactory struct {
	mu                  sync.Mutex
	created             map[string]*mockChannel
	destroyed           []string
	failCreate          map[string]bool
	signalingReadyCalls int
}

func newMockFactory() *mockFactory {
	return &mockFactory{created: make(map[string]*mockChannel), failCreate: make(map[string]bool)}
}

func (f *mockFactory) CreateTransportChannel(name, contentType string, _ Allocator) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[name] {
		return nil, parseErrorf("forced failure for %q", name)
	}
	ch := &mockChannel{}
	f.created[name] = ch
	return ch, nil
}

func (f *mockFactory) DestroyTransportChannel(ch Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, c := range f.created {
		if c == ch {
			f.destroyed = append(f.destroyed, name)
		}
	}
}

func (f *mockFactory) OnTransportSignalingReady() {
	f.mu.Lock()
	f.signalingReadyCalls++
	f.mu.Unlock()
}

func (f *mockFactory) channel(name string) *mockChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name]
}

// newTestTransport builds a Transport over a fresh thread pair and mock
// factory, registering threads.Stop with t.Cleanup so goroutines do not leak
// across tests.
func newTestTransport(t *testing.T) (*Transport, *mockFactory) {
	t.Helper()
	threads := bridge.NewThreadPair()
	t.Cleanup(threads.Stop)

	factory := newMockFactory()
	tr := New(threads, Config{Type: "test", Factory: factory})
	return tr, factory
}

// waitFor polls until cond returns true or the timeout elapses, failing the
// test on timeout. Needed because signal emission happens asynchronously on
// the signaling thread relative to the call that triggers it.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestCreateChannelRegistersAndReturns(t *testing.T) {
	tr, _ := newTestTransport(t)

	ch, err := tr.CreateChannel("tunnel", "datachannel")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if ch == nil {
		t.Fatal("CreateChannel returned nil channel")
	}
	if !tr.HasChannel("tunnel") {
		t.Fatal("registry missing created channel")
	}
	if !tr.HasChannels() {
		t.Fatal("HasChannels should report true")
	}
	got, ok := tr.GetChannel("tunnel")
	if !ok || got != ch {
		t.Fatal("GetChannel did not return the created channel")
	}
}

func TestCreateChannelFactoryFailure(t *testing.T) {
	tr, factory := newTestTransport(t)
	factory.failCreate["bad"] = true

	ch, err := tr.CreateChannel("bad", "datachannel")
	if err == nil {
		t.Fatal("expected error from failing factory, got nil")
	}
	if ch != nil {
		t.Fatal("expected nil channel on factory failure")
	}
	if tr.HasChannel("bad") {
		t.Fatal("failed channel creation should not register")
	}
}

func TestDuplicateChannelNamePanics(t *testing.T) {
	tr, _ := newTestTransport(t)
	if _, err := tr.CreateChannel("dup", "datachannel"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate channel name")
		}
	}()
	tr.CreateChannel("dup", "datachannel")
}

func TestConnectChannelsCallsConnectAndEmitsConnecting(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	var connectingCount int
	var mu sync.Mutex
	tr.SetSignals(Signals{
		OnConnecting: func(t *Transport) {
			mu.Lock()
			connectingCount++
			mu.Unlock()
		},
	})

	tr.ConnectChannels()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connectingCount > 0
	})

	ch := factory.channel("tunnel")
	ch.mu.Lock()
	connected := ch.connected
	ch.mu.Unlock()
	if !connected {
		t.Fatal("ConnectChannels did not call Connect on the channel")
	}
}

func TestReadableWritableRollup(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("a", "datachannel")
	tr.CreateChannel("b", "datachannel")

	var readableCount, writableCount int
	var mu sync.Mutex
	tr.SetSignals(Signals{
		OnReadableState: func(t *Transport) { mu.Lock(); readableCount++; mu.Unlock() },
		OnWritableState: func(t *Transport) { mu.Lock(); writableCount++; mu.Unlock() },
	})

	a := factory.channel("a")
	b := factory.channel("b")

	// Only one channel goes readable: OR-rollup should flip to true once.
	a.setReadable(true)
	waitFor(t, func() bool { return tr.Readable() })

	// b also goes readable: rollup is already true, no further signal expected
	// beyond what already fired (Transport only signals on edge changes).
	b.setReadable(true)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	count := readableCount
	mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one OnReadableState edge, got %d", count)
	}

	// Both go false: rollup should flip back.
	a.setReadable(false)
	b.setReadable(false)
	waitFor(t, func() bool { return !tr.Readable() })

	a.setWritable(true)
	waitFor(t, func() bool { return tr.Writable() })

	mu.Lock()
	wcount := writableCount
	mu.Unlock()
	if wcount == 0 {
		t.Fatal("expected OnWritableState to have fired")
	}
}

func TestCandidatesBatchOnlyAfterConnectRequested(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	var batches [][]Candidate
	var mu sync.Mutex
	tr.SetSignals(Signals{
		OnCandidatesReady: func(t *Transport, c []Candidate) {
			mu.Lock()
			batches = append(batches, c)
			mu.Unlock()
		},
	})

	ch := factory.channel("tunnel")

	// Before ConnectChannels, a ready candidate is queued but not drained.
	ch.readyCandidate(Candidate{ChannelName: "tunnel", IP: net.ParseIP("203.0.113.1"), Port: 1})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(batches) != 0 {
		mu.Unlock()
		t.Fatal("candidates should not drain before ConnectChannels")
	}
	mu.Unlock()

	tr.ConnectChannels()

	// ConnectChannels itself triggers an unconditional drain ping, which
	// should flush the one queued candidate.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) > 0
	})

	// A candidate arriving after connect-requested drains promptly too.
	ch.readyCandidate(Candidate{ChannelName: "tunnel", IP: net.ParseIP("203.0.113.2"), Port: 2})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, b := range batches {
			for _, c := range b {
				if c.Port == 2 {
					return true
				}
			}
		}
		return false
	})
}

func TestOnRemoteCandidateUnknownChannelPanics(t *testing.T) {
	tr, _ := newTestTransport(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for OnRemoteCandidate on unknown channel")
		}
	}()
	tr.OnRemoteCandidate(Candidate{ChannelName: "ghost"})
}

func TestOnRemoteCandidateDeliversToChannel(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	cand := Candidate{ChannelName: "tunnel", IP: net.ParseIP("203.0.113.9"), Port: 9}
	tr.OnRemoteCandidate(cand)

	ch := factory.channel("tunnel")
	waitFor(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.candidates) == 1
	})
}

func TestRequestSignalingPropagates(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	var fired bool
	var mu sync.Mutex
	tr.SetSignals(Signals{
		OnRequestSignaling: func(t *Transport) { mu.Lock(); fired = true; mu.Unlock() },
	})

	factory.channel("tunnel").requestSignaling()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	})
}

func TestDestroyAllChannelsThenClose(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	tr.DestroyAllChannels()

	if tr.HasChannels() {
		t.Fatal("registry should be empty after DestroyAllChannels")
	}
	if len(factory.destroyed) != 1 || factory.destroyed[0] != "tunnel" {
		t.Fatalf("expected factory to destroy 'tunnel', got %v", factory.destroyed)
	}

	// Close after DestroyAllChannels must not panic.
	tr.Close()
}

func TestCloseBeforeDestroyAllChannelsPanics(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic calling Close before DestroyAllChannels")
		}
	}()
	tr.Close()
}

func TestResetChannelsClearsConnectRequestedAndResetsChannels(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")
	tr.ConnectChannels()

	tr.ResetChannels()
	if tr.connectRequested {
		t.Fatal("ResetChannels did not clear connect-requested")
	}

	ch := factory.channel("tunnel")
	waitFor(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.reset
	})
}

func TestOnSignalingReadyNotifiesChannelsAndFactory(t *testing.T) {
	tr, factory := newTestTransport(t)
	tr.CreateChannel("tunnel", "datachannel")

	tr.OnSignalingReady()

	waitFor(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return factory.signalingReadyCalls == 1
	})

	ch := factory.channel("tunnel")
	waitFor(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.signalingReadyCount == 1
	})
}
