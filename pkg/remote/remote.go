// Package remote accepts control connections on /ws/control so another
// device can wake the companion or cut a turn short.
package remote

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-companion/pkg/protocol"
)

// ErrNoTurn is reported in the ack of a stop that found nothing to stop.
var ErrNoTurn = errors.New("remote: no turn in flight")

// ErrPeerNotFound is returned when sending to an unknown peer.
var ErrPeerNotFound = errors.New("remote: peer not connected")

// maxMessageSize bounds a single control message.
const maxMessageSize = 16 * 1024

// Session is the runtime the control channel drives.
type Session interface {
	Wake() error
	Cancel() bool
	State() protocol.State
}

// Peer is a connected controller.
type Peer struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// Send writes a message to the peer.
func (p *Peer) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.LastSeen = time.Now()
	p.mu.Unlock()
}

// Server manages control connections.
type Server struct {
	session Session
	logger  *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	received atomic.Uint64
	sent     atomic.Uint64
	rejected atomic.Uint64
	wakes    atomic.Uint64
	stops    atomic.Uint64
}

// New creates a control server for a session.
func New(session Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		session: session,
		logger:  logger.With("component", "remote.server"),
		peers:   make(map[string]*Peer),
	}
}

// RegisterRoutes mounts the control websocket on app. A peer may name
// itself with /ws/control/:id; otherwise it is given a random id.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/control", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/control/:id?", websocket.New(s.handlePeer))
}

// RegisterAPIRoutes mounts peer listing and stats under api.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	remote := api.Group("/remote")

	remote.Get("/peers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"peers": s.PeerInfos(),
			"count": s.PeerCount(),
		})
	})

	remote.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})
}

func (s *Server) handlePeer(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	peer := &Peer{ID: id, Conn: c, Connected: now, LastSeen: now}

	s.mu.Lock()
	if old, ok := s.peers[id]; ok {
		old.Conn.Close()
	}
	s.peers[id] = peer
	count := len(s.peers)
	s.mu.Unlock()

	s.logger.Info("peer connected", "peer", id, "peers", count)

	defer func() {
		s.mu.Lock()
		if s.peers[id] == peer {
			delete(s.peers, id)
		}
		count := len(s.peers)
		s.mu.Unlock()
		s.logger.Info("peer disconnected", "peer", id, "peers", count)
	}()

	c.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.logger.Debug("peer read ended", "peer", id, "error", err)
			return
		}
		peer.touch()
		s.received.Add(1)

		reply := s.handleMessage(id, data)
		if reply == nil {
			continue
		}
		s.sent.Add(1)
		if err := peer.Send(reply); err != nil {
			s.logger.Warn("reply failed", "peer", id, "error", err)
			return
		}
	}
}

// handleMessage runs one command and returns the reply, if any.
func (s *Server) handleMessage(peerID string, data []byte) *protocol.Message {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Debug("bad control message", "peer", peerID, "error", err)
		return s.errorReply("", err.Error())
	}

	switch msg.Type {
	case protocol.TypeWake:
		s.wakes.Add(1)
		err := s.session.Wake()
		if err != nil {
			s.logger.Info("remote wake dropped", "peer", peerID, "error", err)
		} else {
			s.logger.Info("remote wake", "peer", peerID)
		}
		return s.ack(msg, err)

	case protocol.TypeStop:
		s.stops.Add(1)
		var err error
		if !s.session.Cancel() {
			err = ErrNoTurn
		}
		return s.ack(msg, err)

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			s.rejected.Add(1)
			return s.errorReply(msg.ID, err.Error())
		}
		if ping.ID == "" {
			ping.ID = msg.ID
		}
		if ping.Timestamp == 0 {
			ping.Timestamp = msg.Timestamp
		}
		pong, err := protocol.NewPongMessage(ping)
		if err != nil {
			return nil
		}
		return pong

	case protocol.TypePong:
		return nil

	default:
		s.rejected.Add(1)
		return s.errorReply(msg.ID, "unknown command: "+string(msg.Type))
	}
}

func (s *Server) ack(cmd *protocol.Message, cause error) *protocol.Message {
	msg, err := protocol.NewAckMessage(cmd, s.session.State(), cause)
	if err != nil {
		s.logger.Error("encode ack", "error", err)
		return nil
	}
	return msg
}

func (s *Server) errorReply(id, text string) *protocol.Message {
	msg, err := protocol.NewErrorMessage(id, text)
	if err != nil {
		s.logger.Error("encode error reply", "error", err)
		return nil
	}
	return msg
}

// Send writes a message to one peer.
func (s *Server) Send(peerID string, msg *protocol.Message) error {
	s.mu.RLock()
	peer, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	if err := peer.Send(msg); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// Broadcast writes a message to every peer.
func (s *Server) Broadcast(msg *protocol.Message) {
	for _, peer := range s.Peers() {
		if err := peer.Send(msg); err != nil {
			s.logger.Warn("broadcast failed", "peer", peer.ID, "error", err)
			continue
		}
		s.sent.Add(1)
	}
}

// Peer returns a connected peer, or nil.
func (s *Server) Peer(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Peers returns every connected peer.
func (s *Server) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// PeerInfos describes every connected peer.
func (s *Server) PeerInfos() []PeerInfo {
	peers := s.Peers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		p.mu.Lock()
		infos = append(infos, PeerInfo{ID: p.ID, Connected: p.Connected, LastSeen: p.LastSeen})
		p.mu.Unlock()
	}
	return infos
}

// Stats counts control traffic.
type Stats struct {
	Peers            int    `json:"peers"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Rejected         uint64 `json:"rejected"`
	Wakes            uint64 `json:"wakes"`
	Stops            uint64 `json:"stops"`
}

// Stats returns the control counters.
func (s *Server) Stats() Stats {
	return Stats{
		Peers:            s.PeerCount(),
		MessagesReceived: s.received.Load(),
		MessagesSent:     s.sent.Load(),
		Rejected:         s.rejected.Load(),
		Wakes:            s.wakes.Load(),
		Stops:            s.stops.Load(),
	}
}
