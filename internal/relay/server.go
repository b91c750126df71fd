package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	brokerTimeout  = 5 * time.Second
	sendBufferSize = 256
)

// Server is the relay's HTTP surface.
type Server struct {
	broker   Broker
	events   EventLog
	gatherer prometheus.Gatherer
	metrics  *metrics.Relay
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.Mutex
	peers map[*peer]struct{}
	wg    sync.WaitGroup
}

// NewServer builds a relay. gatherer backs /metrics; m may be nil.
func NewServer(broker Broker, events EventLog, gatherer prometheus.Gatherer, m *metrics.Relay, log *zap.SugaredLogger) *Server {
	if events == nil {
		events = NopEventLog{}
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	if m == nil {
		m = metrics.NewRelay(prometheus.NewRegistry())
	}
	return &Server{
		broker:   broker,
		events:   events,
		gatherer: gatherer,
		metrics:  m,
		log:      log.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:   time.Now,
		peers: make(map[*peer]struct{}),
	}
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/collaboration/{workspaceId}", s.serveWS)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Close drops every open connection and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	for p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), brokerTimeout)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		s.log.Warnw("health check failed", "error", err)
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspaceId"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("upgrade failed", "error", err)
		return
	}

	// The sequence is read before subscribing, so every frame this socket
	// receives is numbered above the welcome.
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	seq, err := s.broker.CurrentSeq(ctx, workspaceID)
	var sub Subscription
	if err == nil {
		sub, err = s.broker.Subscribe(ctx, workspaceID)
	}
	cancel()
	if err != nil {
		s.log.Errorw("subscribe failed", "workspace", workspaceID, "error", err)
		conn.Close()
		return
	}

	p := &peer{
		srv:         s,
		workspaceID: workspaceID,
		conn:        conn,
		sub:         sub,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
	// The welcome tells the client which sequence number it starts from. It
	// is written before writePump starts, ahead of any frame.
	welcome, err := p.encode(protocol.MsgHeartbeat, struct{}{}, seq)
	if err == nil {
		err = p.write(welcome)
	}
	if err != nil {
		s.log.Warnw("welcome failed", "workspace", workspaceID, "error", err)
		sub.Close()
		conn.Close()
		return
	}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.metrics.Connections.Inc()
	s.log.Infow("connection opened", "workspace", workspaceID, "remote", r.RemoteAddr)

	s.wg.Add(2)
	go p.writePump()
	go p.readPump()
}

// publish sequences env and hands it to the broker.
func (s *Server) publish(workspaceID string, env protocol.Envelope) error {
	env.Seq = 0
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if _, err := s.broker.Publish(ctx, workspaceID, payload); err != nil {
		return err
	}
	s.metrics.Published.WithLabelValues(string(env.Type)).Inc()
	return nil
}

func (s *Server) record(workspaceID, userID, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	e := Event{WorkspaceID: workspaceID, UserID: userID, Kind: kind, At: s.now()}
	if err := s.events.Record(ctx, e); err != nil {
		s.log.Warnw("event log write failed", "error", err)
	}
}

// peer is one websocket connection. writePump is the only writer.
type peer struct {
	srv         *Server
	workspaceID string
	conn        *websocket.Conn
	sub         Subscription
	send        chan []byte
	done        chan struct{}
	userID      string // first user ID seen on the socket; owned by readPump
}

func (p *peer) readPump() {
	defer p.srv.wg.Done()
	defer p.close()
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.srv.log.Infow("connection dropped", "workspace", p.workspaceID, "user", p.userID, "error", err)
			}
			return
		}
		env, err := protocol.DecodeEnvelope(message)
		if err != nil {
			p.srv.metrics.Rejected.Inc()
			p.srv.log.Debugw("rejected frame", "workspace", p.workspaceID, "error", err)
			continue
		}
		if env.Type == protocol.MsgHeartbeat {
			var hb protocol.Heartbeat
			if err := env.Decode(&hb); err == nil && hb.Ping != nil {
				p.reply(protocol.MsgHeartbeat, protocol.Heartbeat{Pong: hb.Ping}, 0)
			}
			continue
		}
		if p.userID == "" && env.UserID != "" {
			p.userID = env.UserID
			p.srv.record(p.workspaceID, p.userID, EventJoined)
		}
		if err := p.srv.publish(p.workspaceID, env); err != nil {
			p.srv.log.Errorw("publish failed", "workspace", p.workspaceID, "type", env.Type, "error", err)
		}
	}
}

func (p *peer) writePump() {
	defer p.srv.wg.Done()
	defer p.conn.Close()
	frames := p.sub.Frames()
	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			env, err := protocol.DecodeEnvelope(f.Payload)
			if err != nil {
				continue
			}
			env.Seq = f.Seq
			msg, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := p.write(msg); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) write(msg []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		p.srv.log.Debugw("write failed", "workspace", p.workspaceID, "error", err)
		return err
	}
	return nil
}

func (p *peer) encode(t protocol.MessageType, data any, seq uint64) ([]byte, error) {
	env, err := protocol.NewEnvelope(t, data, "", p.srv.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	env.Seq = seq
	return json.Marshal(env)
}

// reply queues an envelope for this connection only.
func (p *peer) reply(t protocol.MessageType, data any, seq uint64) {
	msg, err := p.encode(t, data, seq)
	if err != nil {
		return
	}
	select {
	case p.send <- msg:
	default:
		p.srv.log.Warnw("reply dropped, send buffer full", "workspace", p.workspaceID)
	}
}

func (p *peer) close() {
	close(p.done)
	p.sub.Close()
	p.conn.Close()

	s := p.srv
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	s.metrics.Connections.Dec()

	if p.userID == "" {
		return
	}
	env, err := protocol.NewEnvelope(protocol.MsgUserLeft, protocol.UserPresence{UserID: p.userID}, p.userID, s.now().UnixMilli())
	if err == nil {
		if err := s.publish(p.workspaceID, env); err != nil {
			s.log.Warnw("user_left not published", "workspace", p.workspaceID, "user", p.userID, "error", err)
		}
	}
	s.record(p.workspaceID, p.userID, EventLeft)
	s.log.Infow("connection closed", "workspace", p.workspaceID, "user", p.userID)
}
