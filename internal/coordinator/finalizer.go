package coordinator

import (
	"context"
	"errors"

	"github.com/manpreetbhatti/arena/internal/analysis"
	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

const scoringFailedReason = "Final analysis failed"

// EndDebate finalizes the room on behalf of one of its members. Requests
// from non-members or for unknown rooms are ignored.
func (c *Coordinator) EndDebate(participant, roomID string) {
	r := c.rooms.Get(roomID)
	if r == nil || !r.Has(participant) {
		return
	}
	c.log.WithRoom(roomID).Info("debate ended by participant", "participant", participant)
	c.Finalize(roomID, room.ReasonEnded)
}

// Finalize scores and tears down a room. Only the first call for a room
// does any work; it reports whether this call was that one.
func (c *Coordinator) Finalize(roomID string, reason room.EndReason) bool {
	r := c.rooms.Get(roomID)
	if r == nil {
		return false
	}

	// Registered before MarkEnded so Shutdown sees every winning call.
	defer c.beginFinalize()()

	r.Lock()
	if !r.MarkEnded() {
		r.Unlock()
		return false
	}
	r.StopTimers()
	r.Unlock()

	log := c.log.WithRoom(roomID)
	participants := r.Participants()
	c.clearForfeits(participants)

	if r.DrainAnalyses(c.cfg.FinalizeGrace) {
		log.Warn("abandoned in-flight analyses", "grace", c.cfg.FinalizeGrace)
	}

	r.Lock()
	transcript := r.Transcript()
	scores := r.Scores()
	history := r.History()
	r.Unlock()

	result := room.Result{
		RoomID:       roomID,
		Topic:        r.Topic(),
		Participants: participants,
		Scores:       scores,
		History:      history,
		Reason:       reason,
		StartedAt:    r.CreatedAt(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ScoringTimeout)
	aggregate, err := c.scorer.ScoreDebate(ctx, analysis.ScoreRequest{
		Transcription: transcript,
		Topic:         r.Topic(),
	})
	cancel()

	if err != nil {
		log.Error("final scoring failed", "error", err, "reason", reason)
		c.emitter.Broadcast(roomID, protocol.AnalysisError(scoringFailedReason))
	} else {
		result.Outcome = aggregate
		result.Scored = true
		c.emitter.Broadcast(roomID, protocol.Ended(endedPayload(aggregate, result)))
	}

	c.rooms.Destroy(roomID)
	c.emitter.CloseChannel(roomID)
	c.finalized.Add(1)

	result.EndedAt = c.clock.Now()
	log.Info("debate finalized",
		"reason", reason, "messages", len(history), "scored", result.Scored, "winner", result.Winner())

	c.recordResult(result)
	return true
}

// endedPayload merges the scorer's aggregate with the room's own fields.
// Room fields win on key collisions.
func endedPayload(aggregate map[string]any, res room.Result) map[string]any {
	out := make(map[string]any, len(aggregate)+3)
	for k, v := range aggregate {
		out[k] = v
	}
	out["participants"] = res.Participants
	out["scores"] = res.Scores
	out["topic"] = res.Topic
	return out
}

func (c *Coordinator) recordResult(res room.Result) {
	if len(c.sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SinkTimeout)
	defer cancel()

	var errs []error
	for _, sink := range c.sinks {
		if err := sink.RecordResult(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.log.WithRoom(res.RoomID).Error("failed to record result", "error", err)
	}
}
