// Package protocol defines the JSON frames exchanged over the debate WebSocket.
//
// Every frame is an Envelope: an event name plus an event-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server events
const (
	EventJoinTopic   = "join_topic"
	EventSendMessage = "send_message"
	EventEndDebate   = "end_debate"
)

// Server -> client events
const (
	EventWaiting          = "waiting"
	EventDebateStarted    = "debate_started"
	EventTurnUpdate       = "turn_update"
	EventMessageProcessed = "message_processed"
	EventDebateEnded      = "debate_ended"
	EventAnalysisError    = "analysis_error"
	EventRejected         = "rejected"
)

// Envelope is a single WebSocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outgoing server event before encoding.
type Event struct {
	Name string
	Data any
}

// Encode marshals the event into an Envelope frame.
func (e Event) Encode() ([]byte, error) {
	var raw json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.Name, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: e.Name, Data: raw})
}

// Decode parses an incoming frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing event name")
	}
	return env, nil
}

// StringData decodes a payload that is a bare JSON string, as used by
// join_topic and end_debate.
func (e Envelope) StringData() (string, error) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", fmt.Errorf("%s: expected string payload: %w", e.Event, err)
	}
	return s, nil
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// Waiting is the payload of waiting.
type Waiting struct {
	Topic string `json:"topic"`
}

// DebateStarted is the payload of debate_started. Durations are milliseconds.
type DebateStarted struct {
	RoomID         string `json:"roomId"`
	FirstTurn      string `json:"firstTurn"`
	TurnDuration   int64  `json:"turnDuration"`
	DebateDuration int64  `json:"debateDuration"`
}

// TurnUpdate is the payload of turn_update. TimeLeft is milliseconds.
type TurnUpdate struct {
	CurrentTurn string `json:"currentTurn"`
	TimeLeft    int64  `json:"timeLeft"`
}

// AspectScore is one scored aspect of a message.
type AspectScore struct {
	Aspect        string  `json:"aspect"`
	RawScore      float64 `json:"raw_score"`
	WeightedScore float64 `json:"weighted_score"`
	Explanation   string  `json:"explanation"`
}

// FactCheck is the fact-check section of a message analysis.
type FactCheck struct {
	ContainsErrors  bool  `json:"contains_errors"`
	IncorrectClaims []any `json:"incorrect_claims"`
}

// MessageProcessed is the payload of message_processed.
type MessageProcessed struct {
	User       string        `json:"user"`
	Message    string        `json:"message"`
	Context    []string      `json:"context"`
	Analysis   []AspectScore `json:"analysis"`
	Facts      FactCheck     `json:"facts"`
	TotalScore float64       `json:"total_score"`
}

// Rejected tells a client that the boundary refused one of its requests.
type Rejected struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// Convenience constructors used by the coordinator and the hub.

func Waited(topic string) Event { return Event{Name: EventWaiting, Data: Waiting{Topic: topic}} }

func Started(p DebateStarted) Event { return Event{Name: EventDebateStarted, Data: p} }

func Turn(current string, timeLeftMs int64) Event {
	return Event{Name: EventTurnUpdate, Data: TurnUpdate{CurrentTurn: current, TimeLeft: timeLeftMs}}
}

func Processed(p MessageProcessed) Event { return Event{Name: EventMessageProcessed, Data: p} }

// Ended carries the merged final aggregate.
func Ended(payload map[string]any) Event { return Event{Name: EventDebateEnded, Data: payload} }

// AnalysisError carries an optional human-readable reason.
func AnalysisError(reason string) Event {
	if reason == "" {
		return Event{Name: EventAnalysisError}
	}
	return Event{Name: EventAnalysisError, Data: reason}
}

func Reject(action, reason string) Event {
	return Event{Name: EventRejected, Data: Rejected{Action: action, Reason: reason}}
}
