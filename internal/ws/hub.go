package ws

import (
	"sync"

	"github.com/manpreetbhatti/arena/internal/logging"
	"github.com/manpreetbhatti/arena/internal/protocol"
)

// Hub tracks connected sockets by participant and fans events out to room
// channels. All socket and channel state is owned by the Run loop.
//
// Emitter calls are queued in order, so events sent from one goroutine
// reach each socket in the order they were sent.
type Hub struct {
	// Connected sockets by participant
	clients map[string]map[*Client]bool

	// Channel members by channel name
	channels map[string]map[string]bool

	register   chan *Client
	unregister chan *Client
	ops        chan hubOp
	done       chan struct{}

	// Socket counts per participant, kept outside the Run loop so the
	// client goroutine knows whether it was the first or last socket.
	presenceMu sync.Mutex
	presence   map[string]int

	statsMu      sync.RWMutex
	clientCount  int
	channelCount int

	log *logging.Logger
}

type opKind int

const (
	opJoin opKind = iota
	opClose
	opBroadcast
	opSend
)

type hubOp struct {
	kind         opKind
	channel      string
	participant  string
	participants []string
	frame        []byte
}

func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		channels:   make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ops:        make(chan hubOp, 1024),
		done:       make(chan struct{}),
		presence:   make(map[string]int),
		log:        log,
	}
}

// Run processes hub events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case client := <-h.register:
			sockets, ok := h.clients[client.participant]
			if !ok {
				sockets = make(map[*Client]bool)
				h.clients[client.participant] = sockets
			}
			sockets[client] = true
			h.updateStats()
			h.log.WithParticipant(client.participant).Debug("socket registered", "sockets", len(sockets))

		case client := <-h.unregister:
			h.removeClient(client)

		case op := <-h.ops:
			h.apply(op)
		}
	}
}

// Stop ends the Run loop and closes every socket's send queue.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Hub) apply(op hubOp) {
	switch op.kind {
	case opJoin:
		members, ok := h.channels[op.channel]
		if !ok {
			members = make(map[string]bool)
			h.channels[op.channel] = members
		}
		for _, p := range op.participants {
			members[p] = true
		}
		h.updateStats()

	case opClose:
		delete(h.channels, op.channel)
		h.updateStats()

	case opBroadcast:
		for p := range h.channels[op.channel] {
			h.deliver(p, op.frame)
		}

	case opSend:
		h.deliver(op.participant, op.frame)
	}
}

// deliver queues a frame on every socket of the participant. Sockets whose
// queue is full are dropped.
func (h *Hub) deliver(participant string, frame []byte) {
	for client := range h.clients[participant] {
		select {
		case client.send <- frame:
		default:
			h.log.WithParticipant(participant).Warn("send queue full, dropping socket")
			h.removeClient(client)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	sockets, ok := h.clients[client.participant]
	if !ok || !sockets[client] {
		return
	}
	delete(sockets, client)
	close(client.send)
	if len(sockets) == 0 {
		delete(h.clients, client.participant)
	}
	h.updateStats()
}

func (h *Hub) closeAll() {
	for _, sockets := range h.clients {
		for client := range sockets {
			close(client.send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
	h.channels = make(map[string]map[string]bool)
	h.updateStats()
}

func (h *Hub) updateStats() {
	n := 0
	for _, sockets := range h.clients {
		n += len(sockets)
	}
	h.statsMu.Lock()
	h.clientCount = n
	h.channelCount = len(h.channels)
	h.statsMu.Unlock()
}

// ClientCount is the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()
	return h.clientCount
}

// ChannelCount is the number of open room channels.
func (h *Hub) ChannelCount() int {
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()
	return h.channelCount
}

// attach records a new socket and reports whether it is the participant's
// first. onFirst runs under the presence lock, so it is ordered with the
// onLast of any concurrent detach. Callbacks must not attach or detach.
func (h *Hub) attach(participant string, onFirst func(string)) bool {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	h.presence[participant]++
	first := h.presence[participant] == 1
	if first && onFirst != nil {
		onFirst(participant)
	}
	return first
}

// detach drops a socket and reports whether it was the participant's last.
// onLast runs under the presence lock.
func (h *Hub) detach(participant string, onLast func(string)) bool {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	h.presence[participant]--
	if h.presence[participant] > 0 {
		return false
	}
	delete(h.presence, participant)
	if onLast != nil {
		onLast(participant)
	}
	return true
}

func (h *Hub) enqueue(op hubOp) {
	select {
	case h.ops <- op:
	case <-h.done:
	}
}

func (h *Hub) encode(ev protocol.Event) ([]byte, bool) {
	frame, err := ev.Encode()
	if err != nil {
		h.log.Error("failed to encode event", "event", ev.Name, "error", err)
		return nil, false
	}
	return frame, true
}

// JoinChannel subscribes participants to a room channel.
func (h *Hub) JoinChannel(channel string, participants ...string) {
	h.enqueue(hubOp{kind: opJoin, channel: channel, participants: participants})
}

// CloseChannel removes a room channel and its memberships.
func (h *Hub) CloseChannel(channel string) {
	h.enqueue(hubOp{kind: opClose, channel: channel})
}

// Broadcast sends ev to every member of channel.
func (h *Hub) Broadcast(channel string, ev protocol.Event) {
	if frame, ok := h.encode(ev); ok {
		h.enqueue(hubOp{kind: opBroadcast, channel: channel, frame: frame})
	}
}

// Send delivers ev to every socket of one participant.
func (h *Hub) Send(participant string, ev protocol.Event) {
	if frame, ok := h.encode(ev); ok {
		h.enqueue(hubOp{kind: opSend, participant: participant, frame: frame})
	}
}
