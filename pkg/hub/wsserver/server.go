// Package wsserver exposes the hub to clients over WebSocket.
//
// Clients connect to /ws/topics/{topic} or /ws/owners/{ownerID}. Events are
// sent as JSON text frames, or as CBOR binary frames when the client
// negotiates the "cbor" subprotocol. The server only reads to process
// control frames and to notice the client going away.
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"

	"github.com/surrealdb/postsync/pkg/hub"
	"github.com/surrealdb/postsync/pkg/logger"
)

const (
	// SubprotocolCBOR selects CBOR binary frames.
	SubprotocolCBOR = "cbor"
	// SubprotocolJSON selects JSON text frames, which is also the default.
	SubprotocolJSON = "json"

	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxReadSize         = 512
)

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
}

// Server upgrades HTTP requests to hub subscriptions.
type Server struct {
	hub          *hub.Hub
	logger       logger.Logger
	upgrader     gorilla.Upgrader
	pingInterval time.Duration

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPingInterval sets how often the server pings idle clients.
// A client that does not answer within two intervals is dropped.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithCheckOrigin replaces gorilla's same-origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// New returns a Server for h.
func New(h *hub.Hub, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		hub:    h,
		logger: logger.OrDiscard(log),
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{SubprotocolCBOR, SubprotocolJSON},
		},
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the WebSocket routes to r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/ws/topics/{topic}", s.handleTopic).Methods(http.MethodGet)
	r.HandleFunc("/ws/owners/{ownerID}", s.handleOwner).Methods(http.MethodGet)
}

// Wait blocks until every connection handled by s has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func() (*hub.Subscription, error) {
		return s.hub.Subscribe(mux.Vars(r)["topic"])
	})
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func() (*hub.Subscription, error) {
		return s.hub.SubscribeOwner(mux.Vars(r)["ownerID"])
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, subscribe func() (*hub.Subscription, error)) {
	sub, err := subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		// Upgrade has already written an error response.
		s.logger.Debug("WebSocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.logger.Debug("Subscriber connected", "key", sub.Key(), "subprotocol", conn.Subprotocol())

	c := &client{conn: conn, sub: sub, logger: s.logger, pingInterval: s.pingInterval}
	c.run()

	s.logger.Debug("Subscriber disconnected", "key", sub.Key())
}

type client struct {
	conn         *gorilla.Conn
	sub          *hub.Subscription
	logger       logger.Logger
	pingInterval time.Duration
}

func (c *client) run() {
	defer c.conn.Close()
	defer c.sub.Close()

	readDone := make(chan struct{})
	go c.readLoop(readDone)
	c.writeLoop(readDone)
}

// readLoop discards client messages and returns when the connection fails.
func (c *client) readLoop(done chan<- struct{}) {
	defer close(done)

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				c.logger.Debug("Subscriber read failed", "key", c.sub.Key(), "error", err)
			}
			return
		}
	}
}

func (c *client) writeLoop(readDone <-chan struct{}) {
	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return

		case ev, ok := <-c.sub.Events():
			if !ok {
				// The hub is shutting down.
				_ = c.conn.WriteControl(gorilla.CloseMessage,
					gorilla.FormatCloseMessage(gorilla.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := c.write(ev); err != nil {
				c.logger.Debug("Subscriber write failed", "key", c.sub.Key(), "error", err)
				return
			}

		case <-ping.C:
			if err := c.conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) write(ev hub.Event) error {
	msgType, data, err := Encode(c.conn.Subprotocol(), ev)
	if err != nil {
		c.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, data)
}

// Encode renders ev for a connection that negotiated subprotocol and
// returns the WebSocket message type to send it with.
func Encode(subprotocol string, ev hub.Event) (int, []byte, error) {
	if subprotocol == SubprotocolCBOR {
		data, err := cborEnc.Marshal(ev)
		return gorilla.BinaryMessage, data, err
	}
	data, err := json.Marshal(ev)
	return gorilla.TextMessage, data, err
}
