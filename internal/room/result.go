package room

import "time"

// EndReason says why a room was finalized.
type EndReason string

const (
	ReasonTimeout  EndReason = "timeout"
	ReasonEnded    EndReason = "ended"
	ReasonForfeit  EndReason = "forfeit"
	ReasonShutdown EndReason = "shutdown"
)

// Result is the record of a finalized debate handed to result sinks.
type Result struct {
	RoomID       string             `json:"room_id"`
	Topic        string             `json:"topic"`
	Participants []string           `json:"participants"`
	Scores       map[string]float64 `json:"scores"`
	History      []Message          `json:"history"`
	Outcome      map[string]any     `json:"outcome,omitempty"`
	Scored       bool               `json:"scored"`
	Reason       EndReason          `json:"reason"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at"`
}

// Winner returns the outcome's "winner" field when the scorer supplied one.
func (r Result) Winner() string {
	if r.Outcome == nil {
		return ""
	}
	if w, ok := r.Outcome["winner"].(string); ok {
		return w
	}
	return ""
}
