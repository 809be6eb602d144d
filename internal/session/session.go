// Package session wires internal/channel.PeerChannel into the transport
// core's ChannelFactory contract, giving the rest of the application a
// concrete factory to hand to transport.New.
package session

import (
	"fmt"
	"sync"

	"github.com/lumenhop/jingletun/internal/channel"
	"github.com/lumenhop/jingletun/internal/transport"
	"github.com/lumenhop/jingletun/internal/util"
)

// Factory is a transport.ChannelFactory backed by pion PeerConnections. It
// keeps its own name→PeerChannel index so callers can reach the pion
// PeerConnection for a named channel without threading it back through the
// worker thread (PeerConnection access is signaling-thread only, same as
// every other Factory caller in this package).
type Factory struct {
	mu       sync.Mutex
	channels map[string]*channel.PeerChannel

	// OnSignalingReady is invoked once per transport, mirroring the
	// original's pure-virtual hook for "tell the session manager we're
	// ready to negotiate." Left nil for single-transport CLI use.
	OnSignalingReady func()
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{channels: make(map[string]*channel.PeerChannel)}
}

// CreateTransportChannel implements transport.ChannelFactory.
func (f *Factory) CreateTransportChannel(name, contentType string, _ transport.Allocator) (transport.Channel, error) {
	pc, err := channel.NewPeerChannel(name, contentType)
	if err != nil {
		return nil, fmt.Errorf("session: create channel %q: %w", name, err)
	}

	f.mu.Lock()
	f.channels[name] = pc
	f.mu.Unlock()

	return pc, nil
}

// DestroyTransportChannel implements transport.ChannelFactory.
func (f *Factory) DestroyTransportChannel(ch transport.Channel) {
	pc, ok := ch.(*channel.PeerChannel)
	if !ok {
		util.LogWarning("session: destroying channel of unexpected type %T", ch)
		return
	}

	f.mu.Lock()
	for name, existing := range f.channels {
		if existing == pc {
			delete(f.channels, name)
			break
		}
	}
	f.mu.Unlock()

	pc.Reset()
}

// OnTransportSignalingReady implements transport.ChannelFactory.
func (f *Factory) OnTransportSignalingReady() {
	if f.OnSignalingReady != nil {
		f.OnSignalingReady()
	}
}

// PeerChannel looks up the concrete pion-backed channel by name, for
// callers (the signaling package) that need direct PeerConnection access
// to drive SDP offer/answer.
func (f *Factory) PeerChannel(name string) (*channel.PeerChannel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.channels[name]
	return pc, ok
}
