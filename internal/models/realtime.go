package models

import (
	"encoding/json"
	"sort"
)

// ClientFrame represents a frame sent from the client to the realtime endpoint.
type ClientFrame struct {
	Type    ClientFrameType `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame represents a frame pushed to the client.
type ServerFrame struct {
	Type    ServerFrameType `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Message *Message        `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ClientFrameType string

const (
	// ClientFrameSubscribeChanges subscribes to the messages feed of the
	// pair (caller, Topic). Topic carries the partner id.
	ClientFrameSubscribeChanges ClientFrameType = "subscribe_changes"
	ClientFrameSubscribe        ClientFrameType = "subscribe"
	ClientFrameUnsubscribe      ClientFrameType = "unsubscribe"
	ClientFramePublish          ClientFrameType = "publish"
	ClientFrameHeartbeat        ClientFrameType = "heartbeat"
)

type ServerFrameType string

const (
	ServerFrameChange    ServerFrameType = "change"
	ServerFrameBroadcast ServerFrameType = "broadcast"
	ServerFrameError     ServerFrameType = "error"
)

// PairTopic is the change feed topic of the unordered pair {a, b}.
func PairTopic(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "messages:" + ids[0] + ":" + ids[1]
}
