package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/manpreetbhatti/arena/internal/analysis"
	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

func TestJoinTopicPairsInEitherOrder(t *testing.T) {
	orders := [][2]string{{"alice", "bob"}, {"bob", "alice"}}

	for _, order := range orders {
		t.Run(order[0]+"_first", func(t *testing.T) {
			h := newHarness(Config{})
			roomID := h.pair(order[0], order[1], "Finance")

			if roomID == "" {
				t.Fatal("Expected a room to be created")
			}
			if h.coord.RoomFor(order[1]) != roomID {
				t.Errorf("Expected both participants in %s, got %q", roomID, h.coord.RoomFor(order[1]))
			}
			for _, p := range order {
				if n := h.emitter.count(p, protocol.EventDebateStarted); n != 1 {
					t.Errorf("Expected 1 debate_started for %s, got %d", p, n)
				}
			}
			if s := h.coord.Stats(); s.ActiveRooms != 1 || s.WaitingTopics != 0 {
				t.Errorf("Expected 1 room and 0 waiting, got %+v", s)
			}
		})
	}
}

func TestJoinTopicThirdParticipantWaitsSeparately(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	if err := h.coord.JoinTopic("carol", "Finance"); err != nil {
		t.Fatalf("JoinTopic: %v", err)
	}

	if h.coord.RoomFor("carol") != "" {
		t.Error("Expected carol not to join the existing room")
	}
	if topic, ok := h.coord.WaitingTopic("carol"); !ok || topic != "Finance" {
		t.Errorf("Expected carol waiting on Finance, got %q %v", topic, ok)
	}
	if h.emitter.count("carol", protocol.EventWaiting) != 1 {
		t.Error("Expected carol to receive waiting")
	}
	if h.emitter.count("alice", protocol.EventWaiting) != 1 {
		t.Error("Expected no extra waiting for alice")
	}
	if h.coord.RoomFor("alice") != roomID {
		t.Error("Expected existing room to be untouched")
	}
}

func TestJoinTopicRejections(t *testing.T) {
	h := newHarness(Config{})

	if err := h.coord.JoinTopic("alice", "  "); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("Expected ErrEmptyTopic, got %v", err)
	}

	if err := h.coord.JoinTopic("alice", "Finance"); err != nil {
		t.Fatalf("JoinTopic: %v", err)
	}
	if err := h.coord.JoinTopic("alice", "Sports"); !errors.Is(err, ErrAlreadyWaiting) {
		t.Errorf("Expected ErrAlreadyWaiting, got %v", err)
	}
	if err := h.coord.JoinTopic("alice", "Finance"); !errors.Is(err, ErrAlreadyWaiting) {
		t.Errorf("Expected ErrAlreadyWaiting for same topic, got %v", err)
	}
	if topic, _ := h.coord.WaitingTopic("alice"); topic != "Finance" {
		t.Errorf("Expected waiting map unchanged, got %q", topic)
	}
	if s := h.coord.Stats(); s.WaitingTopics != 1 {
		t.Errorf("Expected 1 waiting topic, got %d", s.WaitingTopics)
	}

	if err := h.coord.JoinTopic("bob", "Finance"); err != nil {
		t.Fatalf("JoinTopic: %v", err)
	}
	if err := h.coord.JoinTopic("bob", "Sports"); !errors.Is(err, ErrAlreadyInRoom) {
		t.Errorf("Expected ErrAlreadyInRoom, got %v", err)
	}
}

func TestFinanceScenario(t *testing.T) {
	h := newHarness(Config{})

	if err := h.coord.JoinTopic("A", "Finance"); err != nil {
		t.Fatalf("JoinTopic: %v", err)
	}
	if got := h.emitter.names("A"); !reflect.DeepEqual(got, []string{protocol.EventWaiting}) {
		t.Fatalf("Expected [waiting], got %v", got)
	}

	if err := h.coord.JoinTopic("B", "Finance"); err != nil {
		t.Fatalf("JoinTopic: %v", err)
	}
	roomID := h.coord.RoomFor("A")

	for _, p := range []string{"A", "B"} {
		ev, ok := h.emitter.last(p, protocol.EventDebateStarted)
		if !ok {
			t.Fatalf("Expected debate_started for %s", p)
		}
		started := ev.Data.(protocol.DebateStarted)
		if started.FirstTurn != "A" || started.RoomID != roomID {
			t.Errorf("Expected firstTurn A in %s, got %+v", roomID, started)
		}
		if started.TurnDuration != 30000 || started.DebateDuration != 300000 {
			t.Errorf("Expected 30000/300000 ms, got %+v", started)
		}
	}

	h.coord.SubmitMessage(context.Background(), "A", roomID, "Point one")
	for _, p := range []string{"A", "B"} {
		ev, ok := h.emitter.last(p, protocol.EventMessageProcessed)
		if !ok {
			t.Fatalf("Expected message_processed for %s", p)
		}
		if mp := ev.Data.(protocol.MessageProcessed); mp.User != "A" || mp.Message != "Point one" {
			t.Errorf("Expected user A, got %+v", mp)
		}
	}

	h.clock.Advance(30 * time.Second)
	for _, p := range []string{"A", "B"} {
		ev, _ := h.emitter.last(p, protocol.EventTurnUpdate)
		if tu := ev.Data.(protocol.TurnUpdate); tu.CurrentTurn != "B" {
			t.Errorf("Expected currentTurn B, got %+v", tu)
		}
	}

	h.clock.Advance(270 * time.Second)
	for _, p := range []string{"A", "B"} {
		if n := h.emitter.count(p, protocol.EventDebateEnded); n != 1 {
			t.Fatalf("Expected exactly 1 debate_ended for %s, got %d", p, n)
		}
		ev, _ := h.emitter.last(p, protocol.EventDebateEnded)
		payload := ev.Data.(map[string]any)
		if !reflect.DeepEqual(payload["participants"], []string{"A", "B"}) {
			t.Errorf("Expected participants [A B], got %v", payload["participants"])
		}
		if payload["topic"] != "Finance" {
			t.Errorf("Expected room topic to win, got %v", payload["topic"])
		}
	}

	if h.coord.RoomFor("A") != "" || h.coord.RoomFor("B") != "" {
		t.Error("Expected participants released after finalization")
	}
}

func TestTurnFlipsRegardlessOfMessages(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	want := []string{"alice", "bob", "alice", "bob"}
	for i := 1; i < len(want); i++ {
		h.clock.Advance(30 * time.Second)
		if turn, _ := h.coord.CurrentTurn(roomID); turn != want[i] {
			t.Errorf("flip %d: Expected %s, got %s", i, want[i], turn)
		}
	}

	h.clock.Advance(10 * time.Minute)

	// Initial update plus nine flips before the 300s lifetime expires.
	if n := h.emitter.count("alice", protocol.EventTurnUpdate); n != 10 {
		t.Errorf("Expected 10 turn_update events, got %d", n)
	}
	if n := h.emitter.count("alice", protocol.EventDebateEnded); n != 1 {
		t.Errorf("Expected 1 debate_ended, got %d", n)
	}
	if h.clock.pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", h.clock.pending())
	}
}

func TestEndDebateIsIdempotent(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	h.coord.EndDebate("mallory", roomID)
	if h.coord.RoomFor("alice") != roomID {
		t.Fatal("Expected non-member end_debate to be ignored")
	}

	h.coord.EndDebate("bob", roomID)
	before := len(h.emitter.events("alice"))

	h.coord.EndDebate("alice", roomID)
	h.coord.EndDebate("alice", "debate_unknown_1")
	if h.coord.Finalize(roomID, room.ReasonTimeout) {
		t.Error("Expected second Finalize to report false")
	}
	h.clock.Advance(time.Hour)

	if after := len(h.emitter.events("alice")); after != before {
		t.Errorf("Expected no events after end, got %d new", after-before)
	}
	if n := len(h.scorer.calls()); n != 1 {
		t.Errorf("Expected scorer called once, got %d", n)
	}
	if n := h.emitter.closedCount(roomID); n != 1 {
		t.Errorf("Expected channel closed once, got %d", n)
	}
	if results := h.sink.all(); len(results) != 1 || results[0].Reason != room.ReasonEnded {
		t.Errorf("Expected one ended result, got %+v", results)
	}
}

func TestContextWindowKeepsLastFive(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	for i := 1; i <= 7; i++ {
		h.coord.SubmitMessage(context.Background(), "alice", roomID, fmt.Sprintf("m%d", i))
	}

	calls := h.analyzer.calls()
	if calls[0].Context != "" {
		t.Errorf("Expected empty first context, got %q", calls[0].Context)
	}
	if calls[6].Context != "ctx:m6" {
		t.Errorf("Expected latest prior context, got %q", calls[6].Context)
	}

	ev, _ := h.emitter.last("bob", protocol.EventMessageProcessed)
	got := ev.Data.(protocol.MessageProcessed).Context
	want := []string{"ctx:m3", "ctx:m4", "ctx:m5", "ctx:m6", "ctx:m7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if s := h.coord.Stats(); s.MessagesProcessed != 7 {
		t.Errorf("Expected 7 processed, got %d", s.MessagesProcessed)
	}
}

func TestAnalysisFailureOnlyNotifiesSender(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")
	h.coord.SubmitMessage(context.Background(), "alice", roomID, "first")

	h.analyzer.fn = func(ctx context.Context, req analysis.MessageRequest) (*analysis.MessageAnalysis, error) {
		return nil, errUpstream
	}
	bobBefore := len(h.emitter.events("bob"))
	h.coord.SubmitMessage(context.Background(), "alice", roomID, "second")

	if len(h.emitter.events("bob")) != bobBefore {
		t.Error("Expected bob to receive nothing for the failed submission")
	}
	ev, ok := h.emitter.last("alice", protocol.EventAnalysisError)
	if !ok || ev.Data != analysisFailedReason {
		t.Errorf("Expected analysis_error to alice, got %+v", ev)
	}

	h.coord.EndDebate("alice", roomID)
	res := h.sink.all()[0]
	if len(res.History) != 1 || res.History[0].Text != "first" {
		t.Errorf("Expected history unchanged, got %+v", res.History)
	}
	if res.Scores["alice"] != float64(len("first")) {
		t.Errorf("Expected score unchanged, got %v", res.Scores)
	}
}

func TestSubmitMessageIgnoresStaleAndForeignRooms(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	h.coord.SubmitMessage(context.Background(), "mallory", roomID, "hi")
	h.coord.SubmitMessage(context.Background(), "alice", "debate_missing_1", "hi")
	h.coord.EndDebate("alice", roomID)
	before := len(h.emitter.events("alice"))
	h.coord.SubmitMessage(context.Background(), "alice", roomID, "late")

	if n := len(h.analyzer.calls()); n != 0 {
		t.Errorf("Expected no analyzer calls, got %d", n)
	}
	if len(h.emitter.events("alice")) != before {
		t.Error("Expected no events for a stale room")
	}
}

func TestFinalizeScoringFailure(t *testing.T) {
	h := newHarness(Config{})
	h.scorer.err = errUpstream
	roomID := h.pair("alice", "bob", "Finance")

	h.coord.EndDebate("alice", roomID)

	for _, p := range []string{"alice", "bob"} {
		if h.emitter.count(p, protocol.EventDebateEnded) != 0 {
			t.Errorf("Expected no debate_ended for %s", p)
		}
		if h.emitter.count(p, protocol.EventAnalysisError) != 1 {
			t.Errorf("Expected analysis_error for %s", p)
		}
	}
	if h.coord.RoomFor("alice") != "" || h.coord.Stats().ActiveRooms != 0 {
		t.Error("Expected room torn down after scoring failure")
	}
	if res := h.sink.all(); len(res) != 1 || res[0].Scored {
		t.Errorf("Expected one unscored result, got %+v", res)
	}
}

func TestFinalizeWaitsForInFlightAnalysis(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	started := make(chan struct{})
	release := make(chan struct{})
	h.analyzer.fn = func(ctx context.Context, req analysis.MessageRequest) (*analysis.MessageAnalysis, error) {
		close(started)
		<-release
		return &analysis.MessageAnalysis{Context: "c1", TotalScore: 9}, nil
	}

	submitted := make(chan struct{})
	go func() {
		h.coord.SubmitMessage(context.Background(), "alice", roomID, "slow point")
		close(submitted)
	}()
	<-started

	finalized := make(chan struct{})
	go func() {
		h.coord.EndDebate("bob", roomID)
		close(finalized)
	}()

	select {
	case <-finalized:
		t.Fatal("Expected finalization to wait for the in-flight analysis")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-submitted
	<-finalized

	names := h.emitter.names("bob")
	if names[len(names)-2] != protocol.EventMessageProcessed || names[len(names)-1] != protocol.EventDebateEnded {
		t.Errorf("Expected message_processed before debate_ended, got %v", names)
	}
	if tr := h.scorer.calls()[0].Transcription; len(tr) != 1 || tr[0].Speaker != room.SpeakerFirst {
		t.Errorf("Expected transcript with the late message, got %+v", tr)
	}
}

func TestFinalizeAbandonsAnalysisAfterGrace(t *testing.T) {
	h := newHarness(Config{FinalizeGrace: 20 * time.Millisecond})
	roomID := h.pair("alice", "bob", "Finance")

	started := make(chan struct{})
	h.analyzer.fn = func(ctx context.Context, req analysis.MessageRequest) (*analysis.MessageAnalysis, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	submitted := make(chan struct{})
	go func() {
		h.coord.SubmitMessage(context.Background(), "alice", roomID, "never answered")
		close(submitted)
	}()
	<-started

	h.coord.EndDebate("bob", roomID)
	<-submitted

	if tr := h.scorer.calls()[0].Transcription; len(tr) != 0 {
		t.Errorf("Expected empty transcript, got %+v", tr)
	}
	if h.emitter.count("alice", protocol.EventAnalysisError) != 1 {
		t.Error("Expected abandoned sender to get analysis_error")
	}
}

func TestDisconnectRemovesWaitingEntry(t *testing.T) {
	h := newHarness(Config{})

	h.coord.JoinTopic("alice", "Finance")
	h.coord.Disconnect("alice")

	if _, ok := h.coord.WaitingTopic("alice"); ok {
		t.Error("Expected waiting entry removed")
	}
	h.coord.JoinTopic("bob", "Finance")
	if h.coord.RoomFor("bob") != "" {
		t.Error("Expected bob to wait instead of matching a gone participant")
	}
}

func TestDisconnectGraceForfeits(t *testing.T) {
	h := newHarness(Config{DisconnectGrace: 15 * time.Second})
	roomID := h.pair("alice", "bob", "Finance")

	h.coord.Disconnect("bob")
	h.coord.Disconnect("bob")
	h.clock.Advance(15 * time.Second)

	if h.coord.RoomFor("alice") != "" {
		t.Fatal("Expected room finalized after grace")
	}
	res := h.sink.all()
	if len(res) != 1 || res[0].Reason != room.ReasonForfeit || res[0].RoomID != roomID {
		t.Errorf("Expected one forfeit result, got %+v", res)
	}
}

func TestReconnectCancelsForfeit(t *testing.T) {
	h := newHarness(Config{DisconnectGrace: 15 * time.Second})
	roomID := h.pair("alice", "bob", "Finance")

	h.coord.Disconnect("bob")
	h.clock.Advance(10 * time.Second)
	h.coord.Reconnect("bob")
	h.clock.Advance(10 * time.Second)

	if h.coord.RoomFor("alice") != roomID {
		t.Error("Expected room to survive a reconnect")
	}
}

func TestDisconnectWithoutGraceKeepsRoom(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	h.coord.Disconnect("bob")
	h.clock.Advance(time.Minute)

	if h.coord.RoomFor("alice") != roomID {
		t.Error("Expected room to stay active when grace is disabled")
	}
}

func TestShutdownFinalizesActiveRooms(t *testing.T) {
	h := newHarness(Config{})
	h.pair("alice", "bob", "Finance")
	h.pair("carol", "dave", "Sports")
	h.coord.JoinTopic("erin", "Music")

	if err := h.coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	res := h.sink.all()
	if len(res) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(res))
	}
	for _, r := range res {
		if r.Reason != room.ReasonShutdown {
			t.Errorf("Expected shutdown reason, got %s", r.Reason)
		}
	}
	if s := h.coord.Stats(); s.ActiveRooms != 0 || s.WaitingTopics != 0 || s.FinalizedDebates != 2 {
		t.Errorf("Expected empty coordinator, got %+v", s)
	}
	if err := h.coord.JoinTopic("frank", "Music"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestShutdownWaitsForRunningFinalization(t *testing.T) {
	h := newHarness(Config{})
	roomID := h.pair("alice", "bob", "Finance")

	h.scorer.entered = make(chan struct{}, 1)
	h.scorer.release = make(chan struct{})

	// The lifetime timer starts finalizing and blocks in scoring.
	go h.clock.Advance(5 * time.Minute)
	<-h.scorer.entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- h.coord.Shutdown(context.Background()) }()

	select {
	case err := <-shutdown:
		t.Fatalf("Expected Shutdown to wait for the running finalization, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(h.scorer.release)
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	res := h.sink.all()
	if len(res) != 1 || res[0].RoomID != roomID || res[0].Reason != room.ReasonTimeout {
		t.Errorf("Expected the timeout result recorded before Shutdown returned, got %+v", res)
	}
}

func TestShutdownDeadlineWhileFinalizing(t *testing.T) {
	h := newHarness(Config{})
	h.pair("alice", "bob", "Finance")

	h.scorer.entered = make(chan struct{}, 1)
	h.scorer.release = make(chan struct{})
	defer close(h.scorer.release)

	go h.clock.Advance(5 * time.Minute)
	<-h.scorer.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.coord.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	h := newHarness(Config{})
	h.sink.err = errUpstream
	roomID := h.pair("alice", "bob", "Finance")

	if !h.coord.Finalize(roomID, room.ReasonTimeout) {
		t.Fatal("Expected Finalize to run")
	}
	if h.emitter.count("alice", protocol.EventDebateEnded) != 1 {
		t.Error("Expected debate_ended despite sink failure")
	}
}

func TestEndedPayloadRoomFieldsWin(t *testing.T) {
	res := room.Result{
		Topic:        "Finance",
		Participants: []string{"a", "b"},
		Scores:       map[string]float64{"a": 3},
	}
	out := endedPayload(map[string]any{"winner": "person2", "topic": "x", "scores": 1}, res)

	if out["winner"] != "person2" {
		t.Errorf("Expected aggregate field kept, got %v", out["winner"])
	}
	if out["topic"] != "Finance" {
		t.Errorf("Expected room topic, got %v", out["topic"])
	}
	if !reflect.DeepEqual(out["scores"], res.Scores) {
		t.Errorf("Expected room scores, got %v", out["scores"])
	}
}
