package transport

// Channel is the per-channel contract the core consumes (§6). A concrete
// implementation owns its own socket/ICE state; the core never reaches past
// this interface into the implementation's internals.
//
// Connect, Reset, OnSignalingReady, and OnCandidate are only ever called on
// the worker thread. Readable and Writable must be safe to call from the
// signaling thread under the registry lock (word-sized snapshot reads).
type Channel interface {
	Connect()
	Reset()
	OnSignalingReady()
	OnCandidate(cand Candidate)

	Readable() bool
	Writable() bool

	// SetCallbacks wires the channel's four outbound signals. The core calls
	// this exactly once, during CreateChannel_w, before the channel is
	// inserted into the registry or started. Implementations must invoke
	// these callbacks asynchronously with respect to the call that triggers
	// them (never re-enter SetCallbacks's caller synchronously from within
	// a method the core is actively calling).
	SetCallbacks(cb ChannelCallbacks)
}

// ChannelCallbacks are the four channel-originated signals of §6: readable
// and writable state changes, a request to re-drive signaling, and a newly
// gathered local candidate. They fire on whatever goroutine the channel
// implementation happens to run on; the core marshals them onto the worker
// thread itself (see msgChannel*Raw in message.go) so callers never need to
// know about the core's threading model.
type ChannelCallbacks struct {
	OnReadableState    func()
	OnWritableState    func()
	OnRequestSignaling func()
	OnCandidateReady   func(Candidate)
}

// Allocator is the opaque port/socket allocator handle passed through to new
// channels. The core never calls methods on it; it exists purely to be
// threaded from Transport construction into ChannelFactory.CreateTransportChannel.
type Allocator any

// ChannelFactory supplies the three subclass hooks §6 requires: channel
// construction/destruction and a signaling-ready notification. This is the
// Go stand-in for the original's virtual-method subclassing (Design Notes §9:
// "replace virtual-method inheritance with a capability trait/interface").
type ChannelFactory interface {
	// CreateTransportChannel builds a new Channel for name/contentType. It
	// must not block on network I/O; any gathering work the Channel does
	// happens after Connect or OnSignalingReady, not here.
	CreateTransportChannel(name, contentType string, allocator Allocator) (Channel, error)

	// DestroyTransportChannel releases a channel previously returned by
	// CreateTransportChannel. Called on the worker thread after the channel
	// has been removed from the registry.
	DestroyTransportChannel(ch Channel)

	// OnTransportSignalingReady is invoked on the signaling thread from
	// Transport.OnSignalingReady, after the worker-thread per-channel
	// notification has been posted.
	OnTransportSignalingReady()
}
