package channel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/lumenhop/jingletun/internal/protocol"
	"github.com/lumenhop/jingletun/internal/transport"
	"github.com/lumenhop/jingletun/internal/util"
	"github.com/pion/webrtc/v4"
)

// PeerChannel is the pion-backed transport.Channel implementation: one
// PeerConnection plus a pre-negotiated DataChannel. The ICE candidates pion
// gathers are surfaced through the transport core's batching pipeline
// instead of being handed to the remote peer directly; an application-level
// signaling layer drives SDP offer/answer externally via PeerConnection,
// and setting the local description is what starts gathering.
type PeerChannel struct {
	name        string
	contentType string

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	ctx    context.Context
	cancel context.CancelFunc

	openSignal chan struct{}
	sender     *sender

	readable atomic.Bool
	writable atomic.Bool

	cb transport.ChannelCallbacks

	// OnData is set by the caller (tunnel layer) before traffic flows; it
	// receives decoded packets as they arrive on dc.
	OnData func(*protocol.Packet)
}

// NewPeerChannel constructs a PeerChannel backed by a fresh PeerConnection
// and pre-negotiated DataChannel. It takes no allocator: pion manages its own
// ICE agent and port allocation, so the allocator that
// transport.ChannelFactory passes to session.Factory is not forwarded here.
func NewPeerChannel(name, contentType string) (*PeerChannel, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("channel %q: create peer connection: %w", name, err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("channel %q: create data channel: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &PeerChannel{
		name:        name,
		contentType: contentType,
		pc:          pc,
		dc:          dc,
		ctx:         ctx,
		cancel:      cancel,
		openSignal:  make(chan struct{}),
	}

	c.sender = newSender(ctx, dc, c.openSignal)
	c.wirePion()

	return c, nil
}

// PeerConnection exposes the underlying pion PeerConnection so an
// application-level signaling layer can drive SDP offer/answer exchange;
// the transport core never touches this accessor.
func (c *PeerChannel) PeerConnection() *webrtc.PeerConnection { return c.pc }

// Ready returns a channel that closes once the DataChannel has opened.
func (c *PeerChannel) Ready() <-chan struct{} { return c.openSignal }

// Done returns the channel's context Done channel, closed once Reset tears
// the channel down.
func (c *PeerChannel) Done() <-chan struct{} { return c.ctx.Done() }

// wirePion attaches the raw pion callbacks. Every callback here fires on a
// pion-owned goroutine, never on the core's worker thread, so each handler
// only touches c's own atomics/channels and invokes c.cb.* — the core is
// responsible for marshaling those onto its worker MessageLoop.
func (c *PeerChannel) wirePion() {
	c.dc.OnOpen(func() {
		close(c.openSignal)
		c.readable.Store(true)
		c.writable.Store(true)
		if c.cb.OnReadableState != nil {
			c.cb.OnReadableState()
		}
		if c.cb.OnWritableState != nil {
			c.cb.OnWritableState()
		}
	})

	c.dc.OnClose(func() {
		c.readable.Store(false)
		c.writable.Store(false)
		if c.cb.OnReadableState != nil {
			c.cb.OnReadableState()
		}
		if c.cb.OnWritableState != nil {
			c.cb.OnWritableState()
		}
	})

	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			util.LogWarning("channel %q: dropping malformed packet: %v", c.name, err)
			return
		}
		if c.OnData != nil {
			c.OnData(pkt)
		}
	})

	c.pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return // end-of-candidates marker; nothing to forward
		}
		cand, ok := c.toTransportCandidate(ice)
		if !ok {
			return
		}
		if c.cb.OnCandidateReady != nil {
			c.cb.OnCandidateReady(cand)
		}
	})

	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			if c.cb.OnRequestSignaling != nil {
				c.cb.OnRequestSignaling()
			}
		}
	})
}

// toTransportCandidate converts a pion ICECandidate into the core's
// transport-agnostic Candidate record, carrying the protocol, the candidate
// type, the raw attribute line (which holds priority and foundation) and the
// SDP mid/line index through Extra opaquely.
func (c *PeerChannel) toTransportCandidate(ice *webrtc.ICECandidate) (transport.Candidate, bool) {
	ip := net.ParseIP(ice.Address)
	if ip == nil {
		return transport.Candidate{}, false
	}

	init := ice.ToJSON()
	extra := map[string]string{
		"protocol": ice.Protocol.String(),
		"type":     ice.Typ.String(),
		"raw":      init.Candidate,
	}
	if init.SDPMid != nil {
		extra["sdpMid"] = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		extra["sdpMLineIndex"] = strconv.Itoa(int(*init.SDPMLineIndex))
	}

	return transport.Candidate{
		ChannelName: c.name,
		IP:          ip,
		Port:        int(ice.Port),
		Extra:       extra,
	}, true
}

// Connect does nothing. pion gathers candidates automatically once
// SetLocalDescription is called by the signaling layer, and remote
// candidates and data are accepted whether or not Connect has been called.
func (c *PeerChannel) Connect() {
	// pion gathers candidates as soon as a local description is set; there is
	// no separate "start gathering" call to make here. This method exists to
	// satisfy transport.Channel and as the hook a future allocator-backed
	// implementation would use to kick off STUN binding requests.
}

// Reset tears down the PeerConnection and its DataChannel.
func (c *PeerChannel) Reset() {
	c.cancel()
	if c.dc != nil {
		_ = c.dc.Close()
	}
	if c.pc != nil {
		_ = c.pc.Close()
	}
	c.readable.Store(false)
	c.writable.Store(false)
}

// OnSignalingReady is called by the core once it has decided signaling can
// proceed for this channel; PeerChannel has no per-channel action to take
// here since SDP negotiation is driven externally.
func (c *PeerChannel) OnSignalingReady() {}

// OnCandidate applies a remote candidate, trickled in after the initial
// offer/answer. The raw ICE candidate string travels in Extra["raw"],
// set by the sending peer's toTransportCandidate; IP/Port are carried
// alongside for logging and validation but AddICECandidate wants the raw
// attribute line verbatim.
func (c *PeerChannel) OnCandidate(cand transport.Candidate) {
	raw, ok := cand.Extra["raw"]
	if !ok {
		util.LogWarning("channel %q: remote candidate missing raw attribute line, dropping", c.name)
		return
	}

	init := webrtc.ICECandidateInit{Candidate: raw}
	if mid, ok := cand.Extra["sdpMid"]; ok {
		init.SDPMid = &mid
	}
	if idx, ok := cand.Extra["sdpMLineIndex"]; ok {
		if n, err := strconv.Atoi(idx); err == nil {
			v := uint16(n)
			init.SDPMLineIndex = &v
		}
	}

	if err := c.pc.AddICECandidate(init); err != nil {
		util.LogWarning("channel %q: failed to add remote candidate: %v", c.name, err)
	}
}

func (c *PeerChannel) Readable() bool { return c.readable.Load() }
func (c *PeerChannel) Writable() bool { return c.writable.Load() }

func (c *PeerChannel) SetCallbacks(cb transport.ChannelCallbacks) { c.cb = cb }

// Send enqueues a tunnel packet for transmission over the DataChannel.
func (c *PeerChannel) Send(pkt *protocol.Packet) {
	c.sender.send(c.ctx, pkt)
}

// SendConnect, SendData, and SendClose are thin convenience wrappers around
// Send used by the adapter package's per-socketID bridging; they let that
// package depend only on a small structural interface instead of the full
// PeerChannel/transport.Channel surface.
func (c *PeerChannel) SendConnect(socketID, seqNum uint32) {
	c.Send(&protocol.Packet{Type: protocol.TypeConnect, SocketID: socketID, SeqNum: seqNum})
}

func (c *PeerChannel) SendData(socketID, seqNum uint32, payload []byte) {
	c.Send(&protocol.Packet{Type: protocol.TypeData, SocketID: socketID, SeqNum: seqNum, Payload: payload})
}

func (c *PeerChannel) SendClose(socketID, seqNum uint32) {
	c.Send(&protocol.Packet{Type: protocol.TypeClose, SocketID: socketID, SeqNum: seqNum})
}

// OnPacket registers the decoded-packet receive callback, satisfying
// adapter.Transport.
func (c *PeerChannel) OnPacket(fn func(*protocol.Packet)) { c.OnData = fn }
