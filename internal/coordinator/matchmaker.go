package coordinator

import (
	"fmt"
	"strings"

	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

// JoinTopic pairs the participant with whoever is waiting on topic, or
// queues them. A participant already waiting or debating is rejected.
//
// Disconnect removes a participant from the queue, so a waiting entry
// always belongs to a connected participant.
func (c *Coordinator) JoinTopic(participant, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return ErrEmptyTopic
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.rooms.ForParticipant(participant) != nil {
		return ErrAlreadyInRoom
	}
	if queued, ok := c.waitingBy[participant]; ok {
		return fmt.Errorf("%w on %q", ErrAlreadyWaiting, queued)
	}

	opponent, ok := c.waiting[topic]
	if !ok {
		c.waiting[topic] = participant
		c.waitingBy[participant] = topic
		c.log.WithParticipant(participant).Info("waiting for opponent", "topic", topic)
		c.emitter.Send(participant, protocol.Waited(topic))
		return nil
	}

	delete(c.waiting, topic)
	delete(c.waitingBy, opponent)

	// The participant who arrived first holds the first turn, so the waiting
	// opponent is listed first rather than the requester.
	r, err := c.rooms.Create([]string{opponent, participant}, topic, c.clock.Now())
	if err != nil {
		// Put the opponent back so the entry is not lost.
		c.waiting[topic] = opponent
		c.waitingBy[opponent] = topic
		return fmt.Errorf("create room: %w", err)
	}

	c.log.WithRoom(r.ID()).Info("debate started",
		"topic", topic, "first_turn", opponent, "second_turn", participant)
	c.startRoom(r)
	return nil
}

// Disconnect drops the participant's waiting entry and, when a disconnect
// grace is configured, arms a forfeit for their active room.
func (c *Coordinator) Disconnect(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if topic, ok := c.waitingBy[participant]; ok {
		delete(c.waitingBy, participant)
		if c.waiting[topic] == participant {
			delete(c.waiting, topic)
		}
		c.log.WithParticipant(participant).Info("left waiting queue", "topic", topic)
	}

	if c.cfg.DisconnectGrace <= 0 || c.closed {
		return
	}
	r := c.rooms.ForParticipant(participant)
	if r == nil {
		return
	}
	if _, armed := c.forfeits[participant]; armed {
		return
	}

	entry := &forfeitTimer{roomID: r.ID()}
	entry.timer = c.clock.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.forfeit(participant, entry)
	})
	c.forfeits[participant] = entry
	c.log.WithRoom(r.ID()).Info("participant disconnected, forfeit armed",
		"participant", participant, "grace", c.cfg.DisconnectGrace)
}

// Reconnect cancels a pending forfeit for the participant.
func (c *Coordinator) Reconnect(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.forfeits[participant]; ok {
		f.timer.Stop()
		delete(c.forfeits, participant)
		c.log.WithRoom(f.roomID).Info("participant reconnected", "participant", participant)
	}
}

func (c *Coordinator) forfeit(participant string, entry *forfeitTimer) {
	c.mu.Lock()
	if c.forfeits[participant] != entry {
		c.mu.Unlock()
		return
	}
	delete(c.forfeits, participant)
	c.mu.Unlock()

	if r := c.rooms.ForParticipant(participant); r == nil || r.ID() != entry.roomID {
		return
	}
	c.log.WithRoom(entry.roomID).Warn("forfeit after disconnect", "participant", participant)
	c.Finalize(entry.roomID, room.ReasonForfeit)
}

// clearForfeits drops forfeit timers armed for the given participants.
func (c *Coordinator) clearForfeits(participants []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range participants {
		if f, ok := c.forfeits[p]; ok {
			f.timer.Stop()
			delete(c.forfeits, p)
		}
	}
}
