package coordinator

import (
	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

// startRoom arms both room timers and announces the debate. Caller holds c.mu.
func (c *Coordinator) startRoom(r *room.Room) {
	r.Lock()
	defer r.Unlock()

	id := r.ID()
	r.SetLifetimeTimer(c.clock.AfterFunc(c.cfg.DebateDuration, func() {
		c.Finalize(id, room.ReasonTimeout)
	}))
	r.SetTurnTimer(c.clock.AfterFunc(c.cfg.TurnDuration, func() {
		c.flipTurn(id)
	}))

	c.emitter.JoinChannel(id, r.Participants()...)
	c.emitter.Broadcast(id, protocol.Started(protocol.DebateStarted{
		RoomID:         id,
		FirstTurn:      r.CurrentTurn(),
		TurnDuration:   c.cfg.TurnDuration.Milliseconds(),
		DebateDuration: c.cfg.DebateDuration.Milliseconds(),
	}))
	c.emitter.Broadcast(id, protocol.Turn(r.CurrentTurn(), c.cfg.TurnDuration.Milliseconds()))
}

// flipTurn hands the turn to the other participant and reschedules itself.
func (c *Coordinator) flipTurn(roomID string) {
	r := c.rooms.Get(roomID)
	if r == nil {
		return
	}

	r.Lock()
	defer r.Unlock()
	if r.Ended() {
		return
	}

	next := r.FlipTurn(c.clock.Now())
	r.SetTurnTimer(c.clock.AfterFunc(c.cfg.TurnDuration, func() {
		c.flipTurn(roomID)
	}))

	c.log.WithRoom(roomID).Debug("turn flipped", "current_turn", next)
	c.emitter.Broadcast(roomID, protocol.Turn(next, c.cfg.TurnDuration.Milliseconds()))
}
