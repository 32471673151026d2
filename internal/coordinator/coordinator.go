// Package coordinator runs live debates: it matches two participants on a
// topic, drives the turn clock, routes messages through the external
// analyzer and finalizes each room exactly once.
//
// # Concurrency
//
// The coordinator mutex guards the waiting map and the disconnect timers.
// Each room has its own lock; every room mutation and the events it emits
// happen under that lock, so members observe a room's events in the order
// the operations completed. Calls to the analyzer and scorer are made
// without any lock held. Lock order is coordinator, then room.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/arena/internal/analysis"
	"github.com/manpreetbhatti/arena/internal/logging"
	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

var (
	ErrEmptyTopic     = errors.New("topic must not be empty")
	ErrAlreadyWaiting = errors.New("participant is already waiting for an opponent")
	ErrAlreadyInRoom  = errors.New("participant is already in an active debate")
	ErrClosed         = errors.New("coordinator is shut down")
)

// Emitter delivers server events to connected participants. Channels are
// named by room ID.
type Emitter interface {
	JoinChannel(channel string, participants ...string)
	CloseChannel(channel string)
	Broadcast(channel string, ev protocol.Event)
	Send(participant string, ev protocol.Event)
}

// Analyzer is the per-message analysis collaborator.
type Analyzer interface {
	AnalyzeMessage(ctx context.Context, req analysis.MessageRequest) (*analysis.MessageAnalysis, error)
}

// Scorer is the end-of-debate scoring collaborator.
type Scorer interface {
	ScoreDebate(ctx context.Context, req analysis.ScoreRequest) (map[string]any, error)
}

// ResultSink receives every finalized debate (archive, stream, ...).
type ResultSink interface {
	RecordResult(ctx context.Context, res room.Result) error
}

// Config holds the debate timing knobs.
type Config struct {
	TurnDuration    time.Duration
	DebateDuration  time.Duration
	FinalizeGrace   time.Duration // wait for in-flight analyses before scoring
	DisconnectGrace time.Duration // 0 disables forfeit on disconnect
	ScoringTimeout  time.Duration
	SinkTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		TurnDuration:    30 * time.Second,
		DebateDuration:  5 * time.Minute,
		FinalizeGrace:   10 * time.Second,
		DisconnectGrace: 0,
		ScoringTimeout:  60 * time.Second,
		SinkTimeout:     5 * time.Second,
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithClock(clock Clock) Option { return func(c *Coordinator) { c.clock = clock } }

func WithLogger(l *logging.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithSinks(sinks ...ResultSink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

type forfeitTimer struct {
	roomID string
	timer  room.Timer
}

// Coordinator owns all matchmaking and room state for the process.
type Coordinator struct {
	cfg      Config
	analyzer Analyzer
	scorer   Scorer
	emitter  Emitter
	sinks    []ResultSink
	clock    Clock
	log      *logging.Logger

	rooms *room.Registry

	mu        sync.Mutex
	waiting   map[string]string // topic -> participant
	waitingBy map[string]string // participant -> topic
	forfeits  map[string]*forfeitTimer
	closed    bool

	// finalizing holds a done channel per running Finalize call.
	finalizing map[chan struct{}]struct{}

	finalized atomic.Int64
	processed atomic.Int64
}

// New creates a Coordinator. Zero durations in cfg fall back to DefaultConfig.
func New(cfg Config, analyzer Analyzer, scorer Scorer, emitter Emitter, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.TurnDuration <= 0 {
		cfg.TurnDuration = def.TurnDuration
	}
	if cfg.DebateDuration <= 0 {
		cfg.DebateDuration = def.DebateDuration
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = def.FinalizeGrace
	}
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = def.ScoringTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}

	c := &Coordinator{
		cfg:       cfg,
		analyzer:  analyzer,
		scorer:    scorer,
		emitter:   emitter,
		clock:     WallClock(),
		log:       logging.NopLogger(),
		rooms:     room.NewRegistry(),
		waiting:   make(map[string]string),
		waitingBy: make(map[string]string),
		forfeits:  make(map[string]*forfeitTimer),

		finalizing: make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats is a point-in-time view used by the HTTP API.
type Stats struct {
	ActiveRooms       int   `json:"active_rooms"`
	WaitingTopics     int   `json:"waiting_topics"`
	FinalizedDebates  int64 `json:"finalized_debates"`
	MessagesProcessed int64 `json:"messages_processed"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	waiting := len(c.waiting)
	c.mu.Unlock()

	return Stats{
		ActiveRooms:       c.rooms.Len(),
		WaitingTopics:     waiting,
		FinalizedDebates:  c.finalized.Load(),
		MessagesProcessed: c.processed.Load(),
	}
}

// CurrentTurn returns the turn-holder of an active room.
func (c *Coordinator) CurrentTurn(roomID string) (string, bool) {
	r := c.rooms.Get(roomID)
	if r == nil {
		return "", false
	}
	r.Lock()
	defer r.Unlock()
	if r.Ended() {
		return "", false
	}
	return r.CurrentTurn(), true
}

// RoomFor returns the ID of the participant's active room, or "".
func (c *Coordinator) RoomFor(participant string) string {
	if r := c.rooms.ForParticipant(participant); r != nil {
		return r.ID()
	}
	return ""
}

// WaitingTopic returns the topic the participant is queued on, if any.
func (c *Coordinator) WaitingTopic(participant string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.waitingBy[participant]
	return t, ok
}

// Shutdown finalizes every active room and clears the waiting map. It also
// waits for finalizations already started by timers or members, so every
// result has reached the sinks when it returns nil. It returns ctx.Err() if
// ctx expires first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.waiting = make(map[string]string)
	c.waitingBy = make(map[string]string)
	for p, f := range c.forfeits {
		f.timer.Stop()
		delete(c.forfeits, p)
	}
	c.mu.Unlock()

	rooms := c.rooms.Rooms()
	if len(rooms) > 0 {
		c.log.Info("finalizing active debates", "count", len(rooms))
	}

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Finalize(id, room.ReasonShutdown)
		}(r.ID())
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		for _, ch := range c.pendingFinalizations() {
			<-ch
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginFinalize registers a running Finalize call; the returned func ends it.
func (c *Coordinator) beginFinalize() func() {
	done := make(chan struct{})
	c.mu.Lock()
	c.finalizing[done] = struct{}{}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.finalizing, done)
		c.mu.Unlock()
		close(done)
	}
}

func (c *Coordinator) pendingFinalizations() []chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chan struct{}, 0, len(c.finalizing))
	for ch := range c.finalizing {
		out = append(out, ch)
	}
	return out
}
