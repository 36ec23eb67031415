// Package signaling implements the WebSocket relay that lets two browser
// peers exchange WebRTC session setup messages. The relay binds each
// connection to a claimed peer id on its first OPEN envelope, forwards
// addressed envelopes verbatim between bound peers, and evicts peers that
// stop heartbeating.
package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h5games/peer-relay/internal/config"
	"github.com/h5games/peer-relay/internal/metrics"
	"github.com/h5games/peer-relay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// reasonExpired is the close reason for peers evicted by the liveness timer.
const reasonExpired = "expired"

// Config wires the signaling server to its collaborators. Zero-value fields
// fall back to sensible defaults in NewServer.
type Config struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// ExpiryInterval is the silence window after which a bound peer is
	// evicted. Rearmed by every HEARTBEAT.
	ExpiryInterval time.Duration

	// MaxMessageBytes caps inbound envelope size at the WebSocket layer.
	MaxMessageBytes int64

	// AllowedOrigins restricts which browser origins may upgrade. Empty
	// means any origin (dev mode); requests without an Origin header are
	// always allowed (non-browser clients).
	AllowedOrigins []string
}

// Server is the transport front door plus message router. It holds no
// per-peer state of its own beyond wiring the registry and the per-connection
// expiry timers together.
type Server struct {
	reg      *registry.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	expiryInterval  time.Duration
	maxMessageBytes int64
	allowedOrigins  []string
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = config.DefaultExpiryInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}

	s := &Server{
		reg:             cfg.Registry,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		expiryInterval:  cfg.ExpiryInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		allowedOrigins:  cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Registry exposes the peer registry for collaborators that need lookups
// (e.g. status endpoints).
func (s *Server) Registry() *registry.Registry { return s.reg }

// RegisterRoutes mounts the signaling endpoint. The trailing-slash pattern
// accepts the PeerJS-style nested path form.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /peer", s)
	mux.Handle("GET /peer/", s)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// claimedPeerID extracts the claimed peer id from the request. Paths of the
// form /peer/<app>/<version>/<peerId>/<channel> (any depth of at least three
// segments) yield the second-to-last segment; shorter paths fall back to the
// id query parameter.
func claimedPeerID(r *http.Request) string {
	segments := make([]string, 0, 6)
	for _, segment := range strings.Split(r.URL.Path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	if len(segments) >= 3 {
		return segments[len(segments)-2]
	}
	return r.URL.Query().Get("id")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claimed := claimedPeerID(r)
	if claimed == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "request isn't trying to upgrade to websocket", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with a client error.
		return
	}
	ws.SetReadLimit(s.maxMessageBytes)

	s.metrics.Inc(metrics.ConnectionsOpened)
	log := s.log.With("peer_id", claimed, "remote_addr", r.RemoteAddr)
	log.Debug("signaling connected")

	c := &conn{ws: ws}
	s.servePeer(c, claimed, log)
}

// servePeer is the per-connection read loop. Messages from one connection
// are processed in arrival order; connections interleave freely.
func (s *Server) servePeer(c *conn, claimed string, log *slog.Logger) {
	var (
		bound  bool
		expiry *time.Timer
	)

	defer func() {
		if bound {
			expiry.Stop()
			s.reg.Unbind(claimed, c)
		}
		c.CloseWithReason("")
		s.metrics.Inc(metrics.ConnectionsClosed)
		log.Debug("signaling disconnected")
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.metrics.Inc(metrics.DropMalformed)
			log.Debug("dropping malformed envelope", "err", err)
			continue
		}

		switch {
		case env.Type == TypeOpen:
			if displaced := s.reg.Bind(claimed, c); displaced {
				s.metrics.Inc(metrics.IDTakenEvictions)
				log.Info("displaced prior connection", "reason", registry.ReasonIDTaken)
			}
			if bound {
				// Re-OPEN on an already-bound connection just rearms.
				expiry.Reset(s.expiryInterval)
			} else {
				bound = true
				s.metrics.Inc(metrics.PeersBound)
				expiry = time.AfterFunc(s.expiryInterval, func() {
					s.expirePeer(claimed, c, log)
				})
			}
			if err := c.writeEnvelope(Envelope{Type: TypeOpen}); err != nil {
				return
			}

		case env.Type == TypeHeartbeat:
			if bound {
				// Reset cancels the pending deadline before scheduling the
				// next one; there is never more than one timer per peer.
				expiry.Reset(s.expiryInterval)
			}

		case !env.Type.addressed():
			s.metrics.Inc(metrics.DropMalformed)
			log.Debug("dropping envelope of unknown type", "type", string(env.Type))

		case !bound:
			// Only OPEN is meaningful before the peer has bound its id.
			s.metrics.Inc(metrics.DropUnbound)
			log.Debug("dropping envelope from unbound connection", "type", string(env.Type))

		case env.Dst == "":
			s.metrics.Inc(metrics.DropMalformed)
			log.Debug("dropping addressed envelope without dst", "type", string(env.Type))

		default:
			s.forward(claimed, env, log)
		}
	}
}

// forward delivers an addressed envelope to its destination, substituting
// the sender's bound id for whatever src the sender claimed. Undeliverable
// envelopes are dropped silently: best-effort signaling, the application
// layer owns timeouts and retries.
func (s *Server) forward(src string, env Envelope, log *slog.Logger) {
	dest, ok := s.reg.Lookup(env.Dst).(*conn)
	if !ok {
		s.metrics.Inc(metrics.DropNoDestination)
		log.Debug("destination not registered", "dst", env.Dst, "type", string(env.Type))
		return
	}

	out := Envelope{
		Type:    env.Type,
		Src:     src,
		Dst:     env.Dst,
		Payload: env.Payload,
	}
	if err := dest.writeEnvelope(out); err != nil {
		s.metrics.Inc(metrics.DropWriteFailed)
		log.Debug("forward failed", "dst", env.Dst, "err", err)
		return
	}
	s.metrics.Inc(metrics.EnvelopesForwarded)
}

// expirePeer runs on the liveness timer goroutine when a bound peer has been
// silent for a full expiry interval. Expiration is a routine lifecycle
// transition, not an error.
//
// A fired timer can be rearmed by a heartbeat racing the deadline, so the
// callback may run more than once for one connection. The conditional unbind
// keys the expiration: whoever removes the binding counts and closes, later
// fires are no-ops. Same for a connection already displaced by a newer bind.
func (s *Server) expirePeer(id string, c *conn, log *slog.Logger) {
	if !s.reg.Unbind(id, c) {
		return
	}
	s.metrics.Inc(metrics.ExpiredPeers)
	log.Info("peer expired", "expiry_interval", s.expiryInterval)
	c.CloseWithReason(reasonExpired)
}

// conn wraps one WebSocket with serialized writes and at-most-once close.
// It is the registry.Conn bound to a peer id.
type conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *conn) writeEnvelope(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(env)
}

// CloseWithReason closes the transport, sending reason in the close frame.
// Displacement ("ID-taken") and expiration use close code 1001 so clients
// can tell an eviction from a normal close.
func (c *conn) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		code := websocket.CloseNormalClosure
		if reason != "" {
			code = websocket.CloseGoingAway
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
