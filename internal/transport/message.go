package transport

import "github.com/lumenhop/jingletun/internal/bridge"

// Message-id protocol between the signaling and worker threads (§4.6). The
// "signaling → worker" messages are dispatched on the shared worker
// MessageLoop; "worker → signaling" messages are dispatched on the shared
// signaling MessageLoop. Values are unexported: callers only ever see the
// public Transport API, never raw message traffic.
const (
	msgCreateChannel bridge.MessageID = iota + 1
	msgDestroyChannel
	msgDestroyAllChannels
	msgConnectChannels
	msgResetChannels
	msgOnSignalingReady
	msgOnRemoteCandidate

	msgConnecting
	msgReadState
	msgWriteState
	msgRequestSignaling
	msgOnChannelCandidateReady

	// internal-only: raw Channel callbacks are posted here first so that
	// they are deemed to have "arrived on the worker thread" before the
	// core touches any worker-confined state, since pion's callbacks fire
	// on its own goroutines rather than on our worker MessageLoop.
	msgChannelReadableRaw
	msgChannelWritableRaw
	msgChannelRequestSignalingRaw
	msgChannelCandidateReadyRaw
)

// createParams is the CREATECHANNEL message payload (C1 ChannelParams).
type createParams struct {
	name        string
	contentType string
	channel     Channel // filled in by the worker-thread handler before Send returns
}

// destroyParams is the DESTROYCHANNEL message payload.
type destroyParams struct {
	name string
}

// rawChannelEvent is the payload for the four msgChannel*Raw internal
// messages: identifies which channel a raw callback fired for.
type rawChannelEvent struct {
	name string
	ch   Channel
	cand Candidate // only meaningful for msgChannelCandidateReadyRaw
}
