// Package channel provides the concrete, pion-backed implementation of the
// transport.Channel contract: one PeerConnection + pre-negotiated DataChannel
// pair per named channel.
package channel

import (
	"github.com/lumenhop/jingletun/internal/util"
	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN — jingletun targets
// direct P2P connectivity with zero relay infrastructure.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with Google STUN
// servers and pion's internal logging routed through util.PionLoggerFactory.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}

	settings := webrtc.SettingEngine{}
	settings.LoggerFactory = util.PionLoggerFactory{}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, unordered DataChannel on pc.
// Negotiated mode (fixed ID 0) lets both peers create the channel
// independently without relying on OnDataChannel; unordered delivery avoids
// head-of-line blocking between socketIDs in the tunnel protocol layered on
// top of it.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
