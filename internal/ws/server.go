// Package ws is the WebSocket boundary of the debate server. The Hub fans
// events out to sockets; the Server decodes client frames, applies the
// boundary policy and hands accepted requests to the coordinator.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/arena/internal/logging"
	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/ratelimit"
)

// Coordinator is the subset of the debate coordinator the boundary drives.
type Coordinator interface {
	JoinTopic(participant, topic string) error
	SubmitMessage(ctx context.Context, participant, roomID, message string)
	EndDebate(participant, roomID string)
	CurrentTurn(roomID string) (string, bool)
	Disconnect(participant string)
	Reconnect(participant string)
}

// Policy is what the boundary checks before a request reaches the coordinator.
type Policy struct {
	EnforceTurns      bool
	MaxMessageLength  int
	MaxTopicLength    int
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string // empty allows any origin
}

func DefaultPolicy() Policy {
	return Policy{
		EnforceTurns:      true,
		MaxMessageLength:  2000,
		MaxTopicLength:    200,
		MessagesPerSecond: 5,
		MessageBurst:      10,
	}
}

var (
	errNotYourTurn    = errors.New("not your turn")
	errEmptyMessage   = errors.New("message must not be empty")
	errMessageTooLong = errors.New("message too long")
	errMissingRoom    = errors.New("missing roomId")
	errTopicTooLong   = errors.New("topic too long")
)

// Server accepts WebSocket connections and dispatches their frames.
type Server struct {
	hub      *Hub
	coord    Coordinator
	policy   Policy
	limiters *ratelimit.ParticipantLimiters
	upgrader websocket.Upgrader
	log      *logging.Logger

	// Base context for analysis calls; outlives individual sockets.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(hub *Hub, coord Coordinator, policy Policy, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NopLogger()
	}
	def := DefaultPolicy()
	if policy.MessagesPerSecond <= 0 {
		policy.MessagesPerSecond = def.MessagesPerSecond
	}
	if policy.MessageBurst <= 0 {
		policy.MessageBurst = def.MessageBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:      hub,
		coord:    coord,
		policy:   policy,
		limiters: ratelimit.NewParticipantLimiters(policy.MessagesPerSecond, policy.MessageBurst, 10*time.Minute),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.policy.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.policy.AllowedOrigins, r.Header.Get("Origin"))
}

// Wait blocks until every dispatched request has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close cancels outstanding analysis calls and stops the limiter sweep.
func (s *Server) Close() {
	s.cancel()
	s.limiters.Stop()
}

// dispatch decodes one client frame and routes it. Analysis and
// finalization block on external services, so they run on their own
// goroutine and the read loop keeps going.
func (s *Server) dispatch(participant string, frame []byte) {
	log := s.log.WithParticipant(participant)

	env, err := protocol.Decode(frame)
	if err != nil {
		log.Debug("invalid frame", "error", err)
		s.reject(participant, "", "invalid frame")
		return
	}

	switch env.Event {
	case protocol.EventJoinTopic:
		topic, err := env.StringData()
		if err == nil {
			err = s.validateTopic(topic)
		}
		if err == nil {
			err = s.coord.JoinTopic(participant, topic)
		}
		if err != nil {
			log.Info("join rejected", "error", err)
			s.reject(participant, env.Event, err.Error())
		}

	case protocol.EventSendMessage:
		var msg protocol.SendMessage
		if err := decodeData(env, &msg); err != nil {
			s.reject(participant, env.Event, err.Error())
			return
		}
		if err := s.validateMessage(participant, msg); err != nil {
			log.Debug("message rejected", "room_id", msg.RoomID, "error", err)
			s.reject(participant, env.Event, err.Error())
			return
		}
		s.goTracked(func() {
			s.coord.SubmitMessage(s.ctx, participant, msg.RoomID, msg.Message)
		})

	case protocol.EventEndDebate:
		roomID, err := env.StringData()
		if err != nil {
			s.reject(participant, env.Event, err.Error())
			return
		}
		s.goTracked(func() {
			s.coord.EndDebate(participant, roomID)
		})

	default:
		s.reject(participant, env.Event, "unknown event")
	}
}

func (s *Server) validateTopic(topic string) error {
	if s.policy.MaxTopicLength > 0 && utf8.RuneCountInString(topic) > s.policy.MaxTopicLength {
		return errTopicTooLong
	}
	return nil
}

// validateMessage applies the boundary checks. A room the coordinator does
// not know passes through; the coordinator ignores stale rooms itself.
func (s *Server) validateMessage(participant string, msg protocol.SendMessage) error {
	if msg.RoomID == "" {
		return errMissingRoom
	}
	if strings.TrimSpace(msg.Message) == "" {
		return errEmptyMessage
	}
	if s.policy.MaxMessageLength > 0 && utf8.RuneCountInString(msg.Message) > s.policy.MaxMessageLength {
		return errMessageTooLong
	}
	if s.policy.EnforceTurns {
		if turn, ok := s.coord.CurrentTurn(msg.RoomID); ok && turn != participant {
			return errNotYourTurn
		}
	}
	return nil
}

func (s *Server) goTracked(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *Server) reject(participant, action, reason string) {
	s.hub.Send(participant, protocol.Reject(action, reason))
}

func decodeData(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing payload", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: invalid payload", env.Event)
	}
	return nil
}
