package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire envelope for all stream frames:
//
//	{"type": "message"|"status"|"error"|"conversation", "data": {...}}
//
// every frame is decoded exactly once, here, into a closed set of
// message types. Consumers switch on the concrete type and never see
// raw json.

const (
	frameTypeMessage      = "message"
	frameTypeStatus       = "status"
	frameTypeError        = "error"
	frameTypeConversation = "conversation"
	// sent by early platform versions, superseded by the agents list on
	// the conversation frame and `status.current_iteration`
	frameTypeAgents = "agents"
	frameTypePing   = "ping"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Agent struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

type ChatMessage struct {
	Id        string    `json:"id"`
	AgentId   string    `json:"agentId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
}

type Conversation struct {
	Id        string        `json:"id"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
	Agents    []Agent       `json:"agents"`
	Messages  []ChatMessage `json:"messages"`
}

// a conversation frame with no messages marks the start of a new
// run/iteration. A non-empty conversation frame is a completed run.
func (self *Conversation) IsStartSignal() bool {
	return len(self.Messages) == 0
}

type StatusData struct {
	ExperimentId     string `json:"experiment_id"`
	Status           string `json:"status"`
	CurrentIteration int    `json:"current_iteration,omitempty"`
	Error            string `json:"error,omitempty"`
	Final            bool   `json:"final,omitempty"`
	CloseConnection  bool   `json:"close_connection,omitempty"`
}

// final + close_connection is the server-declared permanent end of the
// stream for this experiment
func (self *StatusData) IsTerminal() bool {
	return self.Final && self.CloseConnection
}

type ErrorData struct {
	Error string `json:"error"`
}

// StreamMessage is the closed union of decoded stream frames.
type StreamMessage interface {
	streamMessage()
}

type MessageEvent struct {
	Message ChatMessage
}

type StatusEvent struct {
	Status StatusData
}

type ErrorEvent struct {
	Error ErrorData
}

type ConversationEvent struct {
	Conversation Conversation
}

func (*MessageEvent) streamMessage()      {}
func (*StatusEvent) streamMessage()       {}
func (*ErrorEvent) streamMessage()        {}
func (*ConversationEvent) streamMessage() {}

// errIgnoredFrame marks frames that are valid on the wire but carry
// nothing for current consumers
var errIgnoredFrame = fmt.Errorf("ignored frame")

func DecodeStreamMessage(frame []byte) (StreamMessage, error) {
	var e envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, err
	}

	switch e.Type {
	case frameTypeMessage:
		var message ChatMessage
		if err := json.Unmarshal(e.Data, &message); err != nil {
			return nil, err
		}
		return &MessageEvent{Message: message}, nil
	case frameTypeStatus:
		var status StatusData
		if err := json.Unmarshal(e.Data, &status); err != nil {
			return nil, err
		}
		return &StatusEvent{Status: status}, nil
	case frameTypeError:
		var errorData ErrorData
		if err := json.Unmarshal(e.Data, &errorData); err != nil {
			return nil, err
		}
		return &ErrorEvent{Error: errorData}, nil
	case frameTypeConversation:
		var conversation Conversation
		if err := json.Unmarshal(e.Data, &conversation); err != nil {
			return nil, err
		}
		return &ConversationEvent{Conversation: conversation}, nil
	case frameTypeAgents:
		return nil, errIgnoredFrame
	default:
		return nil, fmt.Errorf("unknown frame type %q", e.Type)
	}
}

// client heartbeat frame
func pingFrame() []byte {
	return []byte(`{"type":"ping"}`)
}
