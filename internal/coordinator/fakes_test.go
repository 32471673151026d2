package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/manpreetbhatti/arena/internal/analysis"
	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

// manualClock fires timers only when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) room.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due timers in order. Callbacks run
// without the clock lock so they may schedule or stop timers.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// recordingEmitter expands broadcasts into per-participant deliveries.
type recordingEmitter struct {
	mu         sync.Mutex
	channels   map[string][]string
	closed     map[string]int
	deliveries map[string][]protocol.Event
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		channels:   make(map[string][]string),
		closed:     make(map[string]int),
		deliveries: make(map[string][]protocol.Event),
	}
}

func (e *recordingEmitter) JoinChannel(channel string, participants ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels[channel] = append(e.channels[channel], participants...)
}

func (e *recordingEmitter) CloseChannel(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, channel)
	e.closed[channel]++
}

func (e *recordingEmitter) Broadcast(channel string, ev protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.channels[channel] {
		e.deliveries[p] = append(e.deliveries[p], ev)
	}
}

func (e *recordingEmitter) Send(participant string, ev protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries[participant] = append(e.deliveries[participant], ev)
}

func (e *recordingEmitter) events(participant string) []protocol.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Event, len(e.deliveries[participant]))
	copy(out, e.deliveries[participant])
	return out
}

func (e *recordingEmitter) names(participant string) []string {
	var out []string
	for _, ev := range e.events(participant) {
		out = append(out, ev.Name)
	}
	return out
}

func (e *recordingEmitter) count(participant, name string) int {
	n := 0
	for _, ev := range e.events(participant) {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) last(participant, name string) (protocol.Event, bool) {
	evs := e.events(participant)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Name == name {
			return evs[i], true
		}
	}
	return protocol.Event{}, false
}

func (e *recordingEmitter) closedCount(channel string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[channel]
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []analysis.MessageRequest
	fn       func(ctx context.Context, req analysis.MessageRequest) (*analysis.MessageAnalysis, error)
}

func (a *fakeAnalyzer) AnalyzeMessage(ctx context.Context, req analysis.MessageRequest) (*analysis.MessageAnalysis, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	fn := a.fn
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &analysis.MessageAnalysis{
		Context:    "ctx:" + req.Message,
		Analysis:   []protocol.AspectScore{{Aspect: "logic", RawScore: 7}},
		TotalScore: float64(len(req.Message)),
	}, nil
}

func (a *fakeAnalyzer) calls() []analysis.MessageRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]analysis.MessageRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

type fakeScorer struct {
	mu       sync.Mutex
	requests []analysis.ScoreRequest
	err      error
	entered  chan struct{} // signalled when a call starts, if set
	release  chan struct{} // a call waits for this, if set
}

func (s *fakeScorer) ScoreDebate(ctx context.Context, req analysis.ScoreRequest) (map[string]any, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	err, entered, release := s.err, s.entered, s.release
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"winner": "person1", "topic": "overwritten"}, nil
}

func (s *fakeScorer) calls() []analysis.ScoreRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]analysis.ScoreRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

type memorySink struct {
	mu      sync.Mutex
	results []room.Result
	err     error
}

func (s *memorySink) RecordResult(ctx context.Context, res room.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return s.err
}

func (s *memorySink) all() []room.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]room.Result, len(s.results))
	copy(out, s.results)
	return out
}

var errUpstream = errors.New("upstream unavailable")

type harness struct {
	coord    *Coordinator
	clock    *manualClock
	emitter  *recordingEmitter
	analyzer *fakeAnalyzer
	scorer   *fakeScorer
	sink     *memorySink
}

func newHarness(cfg Config) *harness {
	h := &harness{
		clock:    newManualClock(),
		emitter:  newRecordingEmitter(),
		analyzer: &fakeAnalyzer{},
		scorer:   &fakeScorer{},
		sink:     &memorySink{},
	}
	h.coord = New(cfg, h.analyzer, h.scorer, h.emitter,
		WithClock(h.clock), WithSinks(h.sink))
	return h
}

// pair joins a then b on topic and returns the new room ID.
func (h *harness) pair(a, b, topic string) string {
	if err := h.coord.JoinTopic(a, topic); err != nil {
		panic(err)
	}
	if err := h.coord.JoinTopic(b, topic); err != nil {
		panic(err)
	}
	return h.coord.RoomFor(a)
}
