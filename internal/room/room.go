package room

import (
	"context"
	"sync"
	"time"
)

// MaxContexts bounds the analysis context kept per participant.
const MaxContexts = 5

// Speaker labels used in transcripts, by participant order.
const (
	SpeakerFirst  = "person1"
	SpeakerSecond = "person2"
)

// Timer is a cancellable scheduled callback owned by a room.
// Stop must be safe to call on a fired or already stopped timer.
type Timer interface {
	Stop() bool
}

// Message is one entry of a room's history.
type Message struct {
	Participant string    `json:"participant"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

// TranscriptLine is a speaker-normalized history entry.
type TranscriptLine struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

// A live 1v1 debate between exactly two participants.
//
// ID, Topic, Participants and CreatedAt are immutable and safe to call
// without the lock. Every other method requires the caller to hold the
// room lock (Lock/Unlock).
type Room struct {
	mu sync.Mutex

	id           string
	topic        string
	participants [2]string
	createdAt    time.Time

	currentTurn   string
	turnStartedAt time.Time
	history       []Message
	contexts      map[string]*ContextWindow
	scores        map[string]float64

	turnTimer     Timer
	lifetimeTimer Timer

	ended    bool
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func newRoom(id, topic string, first, second string, now time.Time) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		id:            id,
		topic:         topic,
		participants:  [2]string{first, second},
		createdAt:     now,
		currentTurn:   first,
		turnStartedAt: now,
		history:       make([]Message, 0),
		contexts: map[string]*ContextWindow{
			first:  NewContextWindow(MaxContexts),
			second: NewContextWindow(MaxContexts),
		},
		scores: map[string]float64{
			first:  0,
			second: 0,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Room) Lock()   { r.mu.Lock() }
func (r *Room) Unlock() { r.mu.Unlock() }

func (r *Room) ID() string           { return r.id }
func (r *Room) Topic() string        { return r.topic }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Participants returns both participants in turn order.
func (r *Room) Participants() []string {
	return []string{r.participants[0], r.participants[1]}
}

// Has reports whether p is one of the two participants.
func (r *Room) Has(p string) bool {
	return p != "" && (r.participants[0] == p || r.participants[1] == p)
}

// Opponent returns the other participant.
func (r *Room) Opponent(p string) (string, bool) {
	switch p {
	case r.participants[0]:
		return r.participants[1], true
	case r.participants[1]:
		return r.participants[0], true
	}
	return "", false
}

func (r *Room) CurrentTurn() string      { return r.currentTurn }
func (r *Room) TurnStartedAt() time.Time { return r.turnStartedAt }

// FlipTurn hands the turn to the other participant and returns the new holder.
func (r *Room) FlipTurn(now time.Time) string {
	next, _ := r.Opponent(r.currentTurn)
	r.currentTurn = next
	r.turnStartedAt = now
	return next
}

// Record applies a successful analysis: context, history and score.
func (r *Room) Record(p, text, analysisContext string, score float64, at time.Time) {
	if w, ok := r.contexts[p]; ok {
		w.Push(analysisContext)
	}
	r.history = append(r.history, Message{Participant: p, Text: text, At: at})
	r.scores[p] = score
}

// LatestContext returns the newest context for p, or "" if none.
func (r *Room) LatestContext(p string) string {
	if w, ok := r.contexts[p]; ok {
		return w.Latest()
	}
	return ""
}

// Contexts returns a copy of p's context window, oldest first.
func (r *Room) Contexts(p string) []string {
	if w, ok := r.contexts[p]; ok {
		return w.Items()
	}
	return nil
}

// History returns a copy of the message history.
func (r *Room) History() []Message {
	out := make([]Message, len(r.history))
	copy(out, r.history)
	return out
}

// Scores returns a copy of the running scores.
func (r *Room) Scores() map[string]float64 {
	out := make(map[string]float64, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}

// Transcript maps history to person1/person2 speaker labels.
func (r *Room) Transcript() []TranscriptLine {
	lines := make([]TranscriptLine, len(r.history))
	for i, m := range r.history {
		speaker := SpeakerSecond
		if m.Participant == r.participants[0] {
			speaker = SpeakerFirst
		}
		lines[i] = TranscriptLine{Text: m.Text, Speaker: speaker}
	}
	return lines
}

func (r *Room) SetTurnTimer(t Timer)     { r.turnTimer = t }
func (r *Room) SetLifetimeTimer(t Timer) { r.lifetimeTimer = t }

// StopTimers cancels both timers. Calling it more than once is safe.
func (r *Room) StopTimers() {
	if r.turnTimer != nil {
		r.turnTimer.Stop()
		r.turnTimer = nil
	}
	if r.lifetimeTimer != nil {
		r.lifetimeTimer.Stop()
		r.lifetimeTimer = nil
	}
}

func (r *Room) Ended() bool { return r.ended }

// MarkEnded flags the room as finalizing. It returns false if the room
// was already ended, so only the first caller finalizes.
func (r *Room) MarkEnded() bool {
	if r.ended {
		return false
	}
	r.ended = true
	return true
}

// BeginAnalysis registers an in-flight analysis. It fails once the room
// has ended so no new work starts during finalization.
func (r *Room) BeginAnalysis() bool {
	if r.ended {
		return false
	}
	r.inflight.Add(1)
	return true
}

// EndAnalysis releases a slot taken by BeginAnalysis. Safe without the lock.
func (r *Room) EndAnalysis() {
	r.inflight.Done()
}

// Context is cancelled when in-flight analyses are abandoned. Safe without the lock.
func (r *Room) Context() context.Context { return r.ctx }

// DrainAnalyses waits for in-flight analyses, cancelling them once grace
// elapses. Must be called without the lock, after MarkEnded.
func (r *Room) DrainAnalyses(grace time.Duration) (abandoned bool) {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		abandoned = true
		r.cancel()
		<-done
	}
	r.cancel()
	return abandoned
}
