package signaling

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/lumenhop/jingletun/internal/addr"
	"github.com/lumenhop/jingletun/internal/bridge"
	"github.com/lumenhop/jingletun/internal/channel"
	"github.com/lumenhop/jingletun/internal/session"
	"github.com/lumenhop/jingletun/internal/transport"
	"github.com/lumenhop/jingletun/internal/util"
)

// tunnelChannelName is the single named channel every jingletun session
// creates; the tunnel protocol has no notion of multiple parallel channels,
// so one name suffices (the transport core supports many, per SPEC_FULL.md's
// domain-stack expansion, but this CLI only ever asks for one).
const tunnelChannelName = "tunnel"

// Close tears a Transport down in the two steps its contract requires:
// DestroyAllChannels before Close (Close panics otherwise — see
// transport.Transport.Close).
func Close(tr *transport.Transport) {
	tr.DestroyAllChannels()
	tr.Close()
}

// wsConnSender serializes JSON writes to a WebSocket connection; both the
// candidate-batch signal handler and the offer/answer senders share one
// connection and must not interleave writes.
type wsConnSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConnSender) send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// candidatesToWire converts the transport core's batch into the wire form.
func candidatesToWire(candidates []transport.Candidate) []CandidateWire {
	wire := make([]CandidateWire, len(candidates))
	for i, c := range candidates {
		wire[i] = CandidateWire{
			ChannelName: c.ChannelName,
			IP:          c.IP.String(),
			Port:        c.Port,
			Extra:       c.Extra,
		}
	}
	return wire
}

// candidateWireAttrs adapts a CandidateWire's IP/Port fields onto
// addr.AttrGetter so wireToCandidate can go through the address codec (C8)
// instead of re-parsing the IP ad hoc.
type candidateWireAttrs CandidateWire

func (w candidateWireAttrs) Attr(name string) (string, bool) {
	switch name {
	case "ip":
		return w.IP, w.IP != ""
	case "port":
		return strconv.Itoa(w.Port), true
	}
	return "", false
}

// wireToCandidate is the inverse of candidatesToWire.
func wireToCandidate(w CandidateWire) (transport.Candidate, error) {
	ip, port, err := addr.ParseIPAddress(candidateWireAttrs(w), "ip", "port")
	if err != nil {
		return transport.Candidate{}, fmt.Errorf("invalid candidate: %w", err)
	}
	return transport.Candidate{
		ChannelName: w.ChannelName,
		IP:          ip,
		Port:        port,
		Extra:       w.Extra,
	}, nil
}

// newTransport builds a Transport bound to its own dedicated thread pair
// and a session.Factory, and wires OnCandidatesReady to batch-send over ws.
func newTransport(ws *wsConnSender, allowLocalIPs bool) (*transport.Transport, *session.Factory) {
	threads := bridge.NewThreadPair()
	factory := session.NewFactory()

	tr := transport.New(threads, transport.Config{
		Type:          "jingletun/datachannel",
		Factory:       factory,
		AllowLocalIPs: allowLocalIPs,
	})

	tr.SetSignals(transport.Signals{
		OnCandidatesReady: func(_ *transport.Transport, candidates []transport.Candidate) {
			if err := ws.send(Message{Type: MsgTypeCandidates, Candidates: candidatesToWire(candidates)}); err != nil {
				util.LogDebug("signaling: failed to send candidate batch: %v", err)
			}
		},
	})

	return tr, factory
}

// watchRemote reads signaling messages off wsConn until it closes or errors,
// applying SDP answers/offers and remote candidate batches to tr/pc as they
// arrive. isHost controls whether an incoming "offer" is meaningful (a host
// never expects one from its own client).
func watchRemote(wsConn *websocket.Conn, tr *transport.Transport, pc *channel.PeerChannel, ws *wsConnSender, isHost bool) error {
	for {
		var msg Message
		if err := wsConn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read signaling message: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if isHost {
				continue // a host never receives an offer
			}
			if err := pc.PeerConnection().SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("SetRemoteDescription(offer): %w", err)
			}
			answer, err := pc.PeerConnection().CreateAnswer(nil)
			if err != nil {
				return fmt.Errorf("CreateAnswer: %w", err)
			}
			if err := pc.PeerConnection().SetLocalDescription(answer); err != nil {
				return fmt.Errorf("SetLocalDescription(answer): %w", err)
			}
			if err := ws.send(Message{Type: MsgTypeAnswer, SDP: answer.SDP}); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}

		case MsgTypeAnswer:
			if err := pc.PeerConnection().SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("SetRemoteDescription(answer): %w", err)
			}

		case MsgTypeCandidates:
			for _, w := range msg.Candidates {
				cand, err := wireToCandidate(w)
				if err != nil {
					util.LogDebug("signaling: dropping malformed candidate: %v", err)
					continue
				}
				if err := cand.Validate(tr.AllowLocalIPs()); err != nil {
					util.LogDebug("signaling: rejecting candidate %s:%d: %v", cand.IP, cand.Port, err)
					continue
				}
				tr.OnRemoteCandidate(cand)
			}
		}
	}
}

// EstablishAsHost executes the full host-side signaling flow: start a WS
// server on wsAddr, wait for the client, create the tunnel channel, send an
// offer, trickle candidates, and block until the DataChannel opens.
func EstablishAsHost(ctx context.Context, wsAddr string, allowLocalIPs bool) (*transport.Transport, *channel.PeerChannel, error) {
	spinner, _ := pterm.DefaultSpinner.
		WithRemoveWhenDone(true).
		Start("Starting WebSocket signaling server...")

	srv := &server{connCh: make(chan *websocket.Conn, 1)}
	wsPort, err := srv.start(wsAddr)
	if err != nil {
		spinner.Fail("Failed to start WebSocket server")
		return nil, nil, err
	}
	defer srv.close()

	spinner.UpdateText(fmt.Sprintf("WebSocket server listening on port %d — waiting for client...", wsPort))

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		spinner.Fail("Failed while waiting for client connection")
		return nil, nil, err
	}
	defer wsConn.Close()

	spinner.UpdateText("Client connected — negotiating WebRTC...")

	ws := &wsConnSender{conn: wsConn}
	tr, factory := newTransport(ws, allowLocalIPs)

	if _, err := tr.CreateChannel(tunnelChannelName, "datachannel"); err != nil {
		spinner.Fail("Failed to create tunnel channel")
		return nil, nil, err
	}
	pc, _ := factory.PeerChannel(tunnelChannelName)

	tr.ConnectChannels()

	errCh := make(chan error, 1)
	go func() { errCh <- watchRemote(wsConn, tr, pc, ws, true) }()

	offer, err := pc.PeerConnection().CreateOffer(nil)
	if err != nil {
		Close(tr)
		spinner.Fail("Failed to create offer")
		return nil, nil, err
	}
	if err := pc.PeerConnection().SetLocalDescription(offer); err != nil {
		Close(tr)
		spinner.Fail("Failed to set local description")
		return nil, nil, err
	}
	if err := ws.send(Message{Type: MsgTypeOffer, SDP: offer.SDP}); err != nil {
		Close(tr)
		spinner.Fail("Failed to send offer")
		return nil, nil, err
	}

	select {
	case <-pc.Ready():
		spinner.Success("WebRTC DataChannel established")
		return tr, pc, nil
	case err := <-errCh:
		Close(tr)
		spinner.Fail("Failed to read signaling messages")
		return nil, nil, err
	case <-ctx.Done():
		Close(tr)
		spinner.Fail("Context cancelled while waiting for signaling")
		return nil, nil, ctx.Err()
	}
}

// EstablishAsClient executes the full client-side signaling flow: connect to
// the host's WS server, wait for its offer, answer, trickle candidates, and
// block until the DataChannel opens.
func EstablishAsClient(ctx context.Context, wsURL string, allowLocalIPs bool) (*transport.Transport, *channel.PeerChannel, error) {
	spinner, _ := pterm.DefaultSpinner.
		WithRemoveWhenDone(true).
		Start("Connecting to Host via WebSocket...")

	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		spinner.Fail("Failed to connect to WebSocket server")
		return nil, nil, err
	}
	defer wsConn.Close()

	spinner.UpdateText("WebSocket connected — negotiating WebRTC...")

	ws := &wsConnSender{conn: wsConn}
	tr, factory := newTransport(ws, allowLocalIPs)

	if _, err := tr.CreateChannel(tunnelChannelName, "datachannel"); err != nil {
		spinner.Fail("Failed to create tunnel channel")
		return nil, nil, err
	}
	pc, _ := factory.PeerChannel(tunnelChannelName)

	tr.ConnectChannels()

	errCh := make(chan error, 1)
	go func() { errCh <- watchRemote(wsConn, tr, pc, ws, false) }()

	select {
	case <-pc.Ready():
		spinner.Success("WebRTC DataChannel established")
		return tr, pc, nil
	case err := <-errCh:
		Close(tr)
		spinner.Fail("Failed to read signaling messages")
		return nil, nil, err
	case <-ctx.Done():
		Close(tr)
		spinner.Fail("Context cancelled while waiting for signaling")
		return nil, nil, ctx.Err()
	}
}
