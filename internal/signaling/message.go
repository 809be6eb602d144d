// Package signaling handles the WebSocket-based signaling phase: SDP
// offer/answer and batched ICE candidate exchange, driving a transport.Transport
// from user input to an established DataChannel.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer      MessageType = "offer"
	MsgTypeAnswer     MessageType = "answer"
	MsgTypeCandidates MessageType = "candidates"
)

// CandidateWire is the wire form of a transport.Candidate: the IP/port plus
// the raw ICE attribute line and SDP mid/line-index needed to replay it via
// AddICECandidate on the remote peer.
type CandidateWire struct {
	ChannelName string            `json:"channelName"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Message is the JSON structure exchanged over the WebSocket during signaling.
type Message struct {
	Type       MessageType     `json:"type"`
	SDP        string          `json:"sdp,omitempty"`
	Candidates []CandidateWire `json:"candidates,omitempty"`
}
