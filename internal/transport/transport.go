// Package transport implements the peer-to-peer transport coordinator: a
// thread-safe container of named transport channels with a two-thread
// execution discipline, candidate batching, connection-request state, and
// aggregate readable/writable roll-up.
//
// This is a Go translation of cricket::Transport from libjingle
// (original_source/libjingle/talk/p2p/base/transport.cc); see SPEC_FULL.md
// and DESIGN.md for the mapping.
package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lumenhop/jingletun/internal/bridge"
)

// Signals are the five callbacks Transport fires on the signaling thread.
// A caller registers what it cares about; nil fields are simply skipped.
type Signals struct {
	OnConnecting       func(t *Transport)
	OnReadableState    func(t *Transport)
	OnWritableState    func(t *Transport)
	OnRequestSignaling func(t *Transport)
	OnCandidatesReady  func(t *Transport, candidates []Candidate)
}

// Transport is the public façade (C7): lifecycle (create/destroy/reset
// channels, connect, teardown) plus all cross-thread dispatch. One Transport
// corresponds to one cricket::Transport instance; many Transports may share
// one bridge.ThreadPair.
type Transport struct {
	id uuid.UUID

	typ       string
	allocator Allocator
	factory   ChannelFactory
	threads   *bridge.ThreadPair

	reg   *registry
	queue *candidateQueue

	// The following fields are touched only by code that the spec confines
	// to a single thread (see field comments); they are never read or
	// written concurrently from two different goroutines without a Send
	// happens-before edge between the writer and the reader, so they need
	// no mutex of their own (the spec's own reasoning in §5/§9).
	destroyed        bool // set on the signaling thread; cleared by createChannelW under CreateChannel's Send
	readable         bool // signaling-thread confined
	writable         bool // signaling-thread confined
	connectRequested bool // worker-thread confined
	allowLocalIPs    bool // set at construction only

	signals Signals
	sigMu   sync.Mutex // guards signals against concurrent SetSignals/emit
}

// Config collects the construction-time parameters of a Transport.
type Config struct {
	Type          string
	Allocator     Allocator
	Factory       ChannelFactory
	AllowLocalIPs bool
}

// New constructs a Transport bound to the given thread pair. Construction
// itself is a signaling-thread operation (§5 Affinity rules); the caller is
// expected to be on whatever goroutine plays that role.
func New(threads *bridge.ThreadPair, cfg Config) *Transport {
	return &Transport{
		id:            uuid.New(),
		typ:           cfg.Type,
		allocator:     cfg.Allocator,
		factory:       cfg.Factory,
		threads:       threads,
		reg:           newRegistry(),
		queue:         &candidateQueue{},
		allowLocalIPs: cfg.AllowLocalIPs,
	}
}

// ID returns the Transport's unique identifier, useful for disambiguating
// log lines and signals when a session manager owns several transports.
func (t *Transport) ID() uuid.UUID { return t.id }

// Type returns the immutable transport-variant tag (e.g. a protocol name).
func (t *Transport) Type() string { return t.typ }

// AllowLocalIPs reports the candidate-validation policy flag.
func (t *Transport) AllowLocalIPs() bool { return t.allowLocalIPs }

// SetSignals installs the signal callbacks. Must be called before any
// mutating operation that could emit a signal.
func (t *Transport) SetSignals(s Signals) {
	t.sigMu.Lock()
	defer t.sigMu.Unlock()
	t.signals = s
}

// ---------------------------------------------------------------------------
// Public operations (signaling thread)
// ---------------------------------------------------------------------------

// CreateChannel synchronously marshals to the worker thread and returns the
// newly created channel.
func (t *Transport) CreateChannel(name, contentType string) (Channel, error) {
	if t.HasChannel(name) {
		panic(fmt.Sprintf("transport: duplicate channel %q", name))
	}
	params := &createParams{name: name, contentType: contentType}
	t.threads.Worker.Send(t, msgCreateChannel, params)
	if params.channel == nil {
		return nil, fmt.Errorf("transport: failed to create channel %q", name)
	}
	return params.channel, nil
}

// GetChannel is a thread-safe registry lookup, callable from any thread.
func (t *Transport) GetChannel(name string) (Channel, bool) { return t.reg.lookup(name) }

// HasChannels reports whether the registry is non-empty.
func (t *Transport) HasChannels() bool { return t.reg.size() > 0 }

// HasChannel reports registry membership for name.
func (t *Transport) HasChannel(name string) bool { return t.reg.contains(name) }

// DestroyChannel blocks until the worker thread has removed and released the
// named channel.
func (t *Transport) DestroyChannel(name string) {
	t.threads.Worker.Send(t, msgDestroyChannel, &destroyParams{name: name})
}

// DestroyAllChannels blocks until the worker thread has drained and released
// every channel, then marks the transport destroyed. Later operations are
// not blocked: a subsequent CreateChannel clears the destroyed mark again.
// Close panics if it runs while the transport is not marked destroyed.
func (t *Transport) DestroyAllChannels() {
	t.threads.Worker.Send(t, msgDestroyAllChannels, nil)
	t.destroyed = true
}

// Close checks that DestroyAllChannels has run and panics otherwise —
// mirroring the original's destructor assertion that destroyed_ is true. It
// releases nothing itself; the thread pair keeps running until its owner
// stops it.
func (t *Transport) Close() {
	if !t.destroyed {
		panic("transport: Close called before DestroyAllChannels")
	}
}

// ConnectChannels blocks until the worker thread has set connect-requested,
// started every existing channel, and queued a candidate-ready drain.
func (t *Transport) ConnectChannels() {
	t.threads.Worker.Send(t, msgConnectChannels, nil)
}

// ResetChannels blocks until the worker thread has cleared connect-requested,
// dropped queued candidates, and reset every channel.
func (t *Transport) ResetChannels() {
	t.threads.Worker.Send(t, msgResetChannels, nil)
}

// OnSignalingReady posts to the worker thread (every channel gets
// OnSignalingReady) and calls the factory's signaling-ready hook here, on
// the signaling thread, exactly as the original does synchronously after
// the post.
func (t *Transport) OnSignalingReady() {
	t.threads.Worker.Post(t, msgOnSignalingReady, nil)
	if t.factory != nil {
		t.factory.OnTransportSignalingReady()
	}
}

// OnRemoteCandidates delivers each candidate via OnRemoteCandidate, in order.
func (t *Transport) OnRemoteCandidates(candidates []Candidate) {
	for _, c := range candidates {
		t.OnRemoteCandidate(c)
	}
}

// OnRemoteCandidate clones cand onto the heap and posts it to the worker
// thread. Precondition: HasChannel(cand.ChannelName) — violating it is a
// contract error (§7 category 1).
func (t *Transport) OnRemoteCandidate(cand Candidate) {
	if !t.HasChannel(cand.ChannelName) {
		panic(fmt.Sprintf("transport: OnRemoteCandidate for unknown channel %q", cand.ChannelName))
	}
	t.threads.Worker.Post(t, msgOnRemoteCandidate, cand.Clone())
}

// ---------------------------------------------------------------------------
// bridge.Handler — worker- and signaling-thread message handlers
// ---------------------------------------------------------------------------

// OnMessage dispatches a message arriving on whichever MessageLoop delivered
// it. Transport participates in both the worker and the signaling loop, so
// this single method fields both directions; the message IDs are disjoint.
func (t *Transport) OnMessage(id bridge.MessageID, data any) {
	switch id {
	// --- worker-thread handlers ---
	case msgCreateChannel:
		p := data.(*createParams)
		p.channel = t.createChannelW(p.name, p.contentType)
	case msgDestroyChannel:
		p := data.(*destroyParams)
		t.destroyChannelW(p.name)
	case msgDestroyAllChannels:
		t.destroyAllChannelsW()
	case msgConnectChannels:
		t.connectChannelsW()
	case msgResetChannels:
		t.resetChannelsW()
	case msgOnSignalingReady:
		for _, nc := range t.reg.snapshot() {
			nc.ch.OnSignalingReady()
		}
	case msgOnRemoteCandidate:
		cand := data.(*Candidate)
		t.onRemoteCandidateW(*cand)

	case msgChannelReadableRaw:
		t.threads.Signaling.Post(t, msgReadState, nil)
	case msgChannelWritableRaw:
		t.threads.Signaling.Post(t, msgWriteState, nil)
	case msgChannelRequestSignalingRaw:
		t.threads.Signaling.Post(t, msgRequestSignaling, nil)
	case msgChannelCandidateReadyRaw:
		ev := data.(rawChannelEvent)
		t.queue.push(ev.cand)
		if t.connectRequested {
			t.threads.Signaling.Post(t, msgOnChannelCandidateReady, nil)
		}

	// --- signaling-thread handlers ---
	case msgConnecting:
		t.emitConnecting()
	case msgReadState:
		t.recomputeReadable()
	case msgWriteState:
		t.recomputeWritable()
	case msgRequestSignaling:
		t.emitRequestSignaling()
	case msgOnChannelCandidateReady:
		t.drainCandidates()
	}
}

// ---------------------------------------------------------------------------
// Worker-thread bodies
// ---------------------------------------------------------------------------

func (t *Transport) createChannelW(name, contentType string) Channel {
	ch, err := t.factory.CreateTransportChannel(name, contentType, t.allocator)
	if err != nil || ch == nil {
		return nil
	}

	ch.SetCallbacks(ChannelCallbacks{
		OnReadableState: func() {
			t.threads.Worker.Post(t, msgChannelReadableRaw, rawChannelEvent{name: name, ch: ch})
		},
		OnWritableState: func() {
			t.threads.Worker.Post(t, msgChannelWritableRaw, rawChannelEvent{name: name, ch: ch})
		},
		OnRequestSignaling: func() {
			t.threads.Worker.Post(t, msgChannelRequestSignalingRaw, rawChannelEvent{name: name, ch: ch})
		},
		OnCandidateReady: func(cand Candidate) {
			t.threads.Worker.Post(t, msgChannelCandidateReadyRaw, rawChannelEvent{name: name, ch: ch, cand: cand})
		},
	})

	if !t.reg.insert(name, ch) {
		panic(fmt.Sprintf("transport: duplicate channel %q", name))
	}
	t.destroyed = false

	if t.connectRequested {
		ch.Connect()
		if t.reg.size() == 1 {
			// First channel: we have started connecting.
			t.threads.Signaling.Post(t, msgConnecting, nil)
		}
	}
	return ch
}

func (t *Transport) destroyChannelW(name string) {
	ch, ok := t.reg.remove(name)
	if !ok {
		panic(fmt.Sprintf("transport: destroy of unknown channel %q", name))
	}

	if t.connectRequested && t.reg.size() == 0 {
		// No channels left. The original posts MSG_CONNECTING here too; per
		// Design Notes (a) this is a "connection-state changed" ping, not
		// strictly "still connecting" — the signaling handler just re-emits
		// SignalConnecting, and callers should interpret a connecting signal
		// with zero channels as "stopped attempting," not "in flight."
		t.threads.Signaling.Post(t, msgConnecting, nil)
	}

	// Check in case the deleted channel was the only non-writable/readable
	// channel: queue both recomputes on the signaling thread before
	// releasing it.
	t.threads.Signaling.Post(t, msgReadState, nil)
	t.threads.Signaling.Post(t, msgWriteState, nil)

	t.factory.DestroyTransportChannel(ch)
}

func (t *Transport) destroyAllChannelsW() {
	for _, ch := range t.reg.drain() {
		t.factory.DestroyTransportChannel(ch)
	}
}

func (t *Transport) connectChannelsW() {
	if t.connectRequested {
		return
	}
	t.connectRequested = true

	// Unconditional drain ping, even if the queue is empty yet — matches the
	// original's unconditional post right after setting the flag (see
	// SPEC_FULL.md §4 item 1).
	t.threads.Signaling.Post(t, msgOnChannelCandidateReady, nil)

	for _, nc := range t.reg.snapshot() {
		nc.ch.Connect()
	}
	if t.reg.size() > 0 {
		t.threads.Signaling.Post(t, msgConnecting, nil)
	}
}

func (t *Transport) resetChannelsW() {
	t.connectRequested = false
	t.queue.clear()
	for _, nc := range t.reg.snapshot() {
		nc.ch.Reset()
	}
}

func (t *Transport) onRemoteCandidateW(cand Candidate) {
	ch, ok := t.reg.lookup(cand.ChannelName)
	if !ok {
		// Benign race: the channel went away while the message was in
		// transit. Drop silently, per §5 Cancellation and timeouts.
		return
	}
	ch.OnCandidate(cand)
}

// ---------------------------------------------------------------------------
// Signaling-thread bodies
// ---------------------------------------------------------------------------

func (t *Transport) emitConnecting() {
	t.sigMu.Lock()
	fn := t.signals.OnConnecting
	t.sigMu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (t *Transport) recomputeReadable() {
	readable := t.reg.anyReadable()
	if t.readable == readable {
		return
	}
	t.readable = readable
	t.sigMu.Lock()
	fn := t.signals.OnReadableState
	t.sigMu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (t *Transport) recomputeWritable() {
	writable := t.reg.anyWritable()
	if t.writable == writable {
		return
	}
	t.writable = writable
	t.sigMu.Lock()
	fn := t.signals.OnWritableState
	t.sigMu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (t *Transport) emitRequestSignaling() {
	t.sigMu.Lock()
	fn := t.signals.OnRequestSignaling
	t.sigMu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (t *Transport) drainCandidates() {
	candidates := t.queue.swapOut()
	if len(candidates) == 0 {
		return
	}
	t.sigMu.Lock()
	fn := t.signals.OnCandidatesReady
	t.sigMu.Unlock()
	if fn != nil {
		fn(t, candidates)
	}
}

// Readable returns the last signaling-thread-observed OR-rollup of channel
// readability. Eventually consistent with the worker-thread truth per
// invariant 5.
func (t *Transport) Readable() bool { return t.readable }

// Writable returns the last signaling-thread-observed OR-rollup of channel
// writability.
func (t *Transport) Writable() bool { return t.writable }
