package coordinator

import (
	"context"

	"github.com/manpreetbhatti/arena/internal/analysis"
	"github.com/manpreetbhatti/arena/internal/protocol"
)

const analysisFailedReason = "Failed to process message"

// SubmitMessage sends a member's message to the analyzer and, on success,
// records it and broadcasts message_processed to the room. On failure only
// the sender is told. Unknown rooms, ended rooms and non-members are ignored.
// It blocks until the analyzer answers.
func (c *Coordinator) SubmitMessage(ctx context.Context, participant, roomID, message string) {
	r := c.rooms.Get(roomID)
	if r == nil {
		return
	}

	r.Lock()
	if !r.Has(participant) || !r.BeginAnalysis() {
		r.Unlock()
		return
	}
	req := analysis.MessageRequest{
		Message: message,
		Context: r.LatestContext(participant),
		Topic:   r.Topic(),
		UserID:  participant,
	}
	r.Unlock()
	defer r.EndAnalysis()

	// Abandoned when finalization gives up waiting on this room.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	log := c.log.WithRoom(roomID).WithParticipant(participant)
	res, err := c.analyzer.AnalyzeMessage(ctx, req)

	r.Lock()
	defer r.Unlock()

	if err != nil {
		log.Warn("message analysis failed", "error", err)
		c.emitter.Send(participant, protocol.AnalysisError(analysisFailedReason))
		return
	}

	r.Record(participant, message, res.Context, res.TotalScore, c.clock.Now())
	c.processed.Add(1)
	log.Debug("message processed", "total_score", res.TotalScore)

	c.emitter.Broadcast(roomID, protocol.Processed(protocol.MessageProcessed{
		User:       participant,
		Message:    message,
		Context:    r.Contexts(participant),
		Analysis:   res.Analysis,
		Facts:      res.Facts,
		TotalScore: res.TotalScore,
	}))
}
