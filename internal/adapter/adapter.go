// Package adapter manages the post-signaling lifecycle of a P2P tunnel.
// Given a ready channel, it handles packet dispatch, per-socketID goroutine
// management, and TCP bridging for both host and client roles.
package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/lumenhop/jingletun/internal/protocol"
	"github.com/lumenhop/jingletun/internal/util"
)

// Transport is the data-plane surface the adapter needs: sending the three
// packet types that make up the tunnel protocol, registering a receive
// callback, and reporting when the underlying link is gone.
// internal/channel.PeerChannel satisfies this structurally; the adapter
// package never imports channel directly so it stays testable against a
// fake (see tests/adapter_test.go's mockTransport).
type Transport interface {
	SendConnect(socketID, seqNum uint32)
	SendData(socketID, seqNum uint32, payload []byte)
	SendClose(socketID, seqNum uint32)
	OnPacket(fn func(*protocol.Packet))
	Done() <-chan struct{}
}

// adapter manages the socketID route table and auto-cleanup.
// It is unexported — callers use RunAsHost / RunAsClient.
type adapter struct {
	ctx context.Context
	tr  Transport

	mu     sync.Mutex
	routes map[uint32]*Socket
}

// newAdapter creates an empty adapter bound to the given context and transport.
func newAdapter(ctx context.Context, tr Transport) *adapter {
	return &adapter{
		ctx:    ctx,
		tr:     tr,
		routes: make(map[uint32]*Socket),
	}
}

// register adds a socket to the route table and starts an auto-cleanup
// goroutine that removes the entry when the socket's context is done.
func (a *adapter) register(s *Socket) {
	a.mu.Lock()
	a.routes[s.id] = s
	a.mu.Unlock()
	util.Stats.AddConn()

	go func() {
		<-s.ctx.Done()
		a.mu.Lock()
		delete(a.routes, s.id)
		a.mu.Unlock()
		util.Stats.RemoveConn()
	}()
}

// deliver routes a packet to the matching socket's inbox.
// Returns true if a route was found.
func (a *adapter) deliver(pkt *protocol.Packet) bool {
	a.mu.Lock()
	s, ok := a.routes[pkt.SocketID]
	a.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case s.inbox <- pkt:
	default:
		util.LogWarning("[%08x] inbox 已滿，丟棄封包", pkt.SocketID)
	}
	return true
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// RunAsHost starts the host-side adapter. It listens on the channel for
// incoming packets; when an unknown socketID appears (with a non-CLOSE packet),
// it creates a Socket and launches a goroutine that dials targetAddr.
// Blocks until tr is done.
func RunAsHost(ctx context.Context, tr Transport, targetAddr string) error {
	a := newAdapter(ctx, tr)

	tr.OnPacket(func(pkt *protocol.Packet) {
		if !a.deliver(pkt) {
			// Unknown socketID — create a new socket (unless it's a stale CLOSE).
			if pkt.Type == protocol.TypeClose {
				return
			}

			s := newSocket(ctx, pkt.SocketID, tr)
			a.register(s)
			go s.runAsHost(targetAddr)

			// Deliver the first packet that triggered creation.
			a.deliver(pkt)
		}
	})

	<-tr.Done()
	return nil
}

// RunAsClient starts the client-side adapter. It listens on localPort for
// incoming TCP connections; each accepted connection becomes a Socket that
// sends CONNECT and bridges data through the channel.
// Blocks until tr is done.
func RunAsClient(ctx context.Context, tr Transport, localPort int) error {
	a := newAdapter(ctx, tr)

	// Wire up channel → Socket dispatch.
	tr.OnPacket(func(pkt *protocol.Packet) {
		if !a.deliver(pkt) {
			util.LogDebug("[%08x] unknown socketID, dropping packet", pkt.SocketID)
		}
	})

	// Start TCP listener.
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-tr.Done():
		}
		listener.Close()
	}()

	util.LogInfo("虛擬服務已啟動，監聽 %s", addr)

	// Accept loop in a separate goroutine so we can also wait on tr.Done().
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-tr.Done():
					return
				default:
					util.LogError("accept error: %v", err)
					return
				}
			}

			socketID := util.SocketIDFromConn(conn)
			util.LogDebug("[%08x] 新連線 from %s", socketID, conn.RemoteAddr())

			s := newSocketWithConn(ctx, socketID, tr, conn)
			a.register(s)
			go s.runAsClient()
		}
	}()

	<-tr.Done()
	return nil
}
