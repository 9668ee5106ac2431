package api

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remotehaptics/remotehaptics/internal/helpers"
)

const (
	// DefaultAckTimeout bounds how long a dispatched command may remain
	// unacknowledged before it is written off as lost.
	DefaultAckTimeout = 500 * time.Millisecond

	// DefaultSessionQueueBound caps per-session queued commands. Haptic
	// commands expire quickly, so the bound is small and overflow drops
	// the oldest entry.
	DefaultSessionQueueBound = 16

	writeTimeout     = 2 * time.Second
	handshakeTimeout = 5 * time.Second
)

// ServerStats counts channel activity since startup.
type ServerStats struct {
	SessionsOpened int64
	SessionsClosed int64
	Dispatched     int64
	AckTimeouts    int64
}

// Server accepts TLS websocket connections from receivers and delivers
// scheduled commands to them in dispatch order.
//
// The server presents a certificate the client validates; the reverse
// direction is unauthenticated. Any client completing the TLS handshake
// is trusted — a documented asymmetry inherited from the protocol this
// implements, not an oversight.
type Server struct {
	cert       tls.Certificate
	ackTimeout time.Duration
	queueBound int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	stats    ServerStats

	httpServer *http.Server
}

// ServerOption adjusts server construction.
type ServerOption func(*Server)

// WithAckTimeout overrides the per-command acknowledgment deadline.
func WithAckTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.ackTimeout = d }
}

// WithSessionQueueBound overrides the per-session command queue bound.
func WithSessionQueueBound(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueBound = n
		}
	}
}

// NewServer creates a command channel server using the given TLS
// certificate.
func NewServer(cert tls.Certificate, opts ...ServerOption) *Server {
	s := &Server{
		cert:       cert,
		ackTimeout: DefaultAckTimeout,
		queueBound: DefaultSessionQueueBound,
		sessions:   make(map[string]*Session),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			// The channel carries its own trust model (TLS server cert +
			// pin); browser origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadServerCertificate reads an X.509 certificate and key pair from
// disk. Generation and provisioning of the pair is external.
func LoadServerCertificate(certFile, keyFile string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(certFile, keyFile)
}

// ListenAndServe serves the command channel until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the channel on an existing listener, wrapping it in TLS.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)

	s.httpServer = &http.Server{
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{s.cert}},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeAllSessions()
	}()

	fp, err := CertificateFingerprint(s.cert)
	if err == nil {
		log.Printf("[API] Command channel listening on %s (cert fingerprint %s)", ln.Addr(), fp)
	}

	err = s.httpServer.ServeTLS(ln, "", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Dispatch hands an eligible command to every session serving its
// target. Dispatch never blocks on a slow receiver; per-session queues
// drop their oldest entry on overflow.
func (s *Server) Dispatch(cmd Command) {
	env := CommandEnvelope(cmd)

	s.mu.Lock()
	s.stats.Dispatched++
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.State() != ConnActive || !sess.servesTarget(cmd.DeviceTarget) {
			continue
		}
		sess.enqueue(env)
	}
}

// Sessions returns a snapshot of connected sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Stats returns activity counters.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	fp, _ := CertificateFingerprint(s.cert)
	sess := newSession(uuid.NewString(), fp, conn, s.queueBound)

	// The first frame must be a hello; anything else fails the
	// handshake and closes the connection.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("[API] %v: no hello from %s: %v", ErrHandshakeFailed, r.RemoteAddr, err)
		conn.Close()
		return
	}
	env, err := DecodeEnvelope(data)
	if err != nil || env.Type != TypeHello || env.Hello.Version != ProtocolVersion {
		log.Printf("[API] %v: bad hello from %s", ErrHandshakeFailed, r.RemoteAddr)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	sess.setActive(env.Hello)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.stats.SessionsOpened++
	s.mu.Unlock()
	log.Printf("[API] Session %s opened from %s (targets: %v)", sess.ID, r.RemoteAddr, env.Hello.Targets)

	go s.writeLoop(sess)
	s.readLoop(sess)

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.stats.SessionsClosed++
	s.mu.Unlock()
	sess.close()
	log.Printf("[API] Session %s closed", sess.ID)
}

func (s *Server) writeLoop(sess *Session) {
	sweep := time.NewTicker(s.ackTimeout)
	defer sweep.Stop()

	for {
		select {
		case env := <-sess.sendCh:
			if env.Command != nil {
				sess.trackPending(env.Command.ID, time.Now().Add(s.ackTimeout))
			}
			data, err := EncodeEnvelope(env)
			if err != nil {
				log.Printf("[API] Session %s encode error: %v", sess.ID, err)
				continue
			}
			sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[API] Session %s write error: %v", sess.ID, err)
				sess.close()
				return
			}
			if helpers.IsAPITraceEnabled() && env.Command != nil {
				log.Printf("[API] Session %s sent command %s target=%s intensity=%.3f",
					sess.ID, env.Command.ID, env.Command.DeviceTarget, env.Command.Intensity)
			}
		case <-sweep.C:
			if n := sess.expirePending(time.Now()); n > 0 {
				s.mu.Lock()
				s.stats.AckTimeouts += int64(n)
				s.mu.Unlock()
				log.Printf("[API] Session %s: %d command(s) unacknowledged past deadline, treating as lost", sess.ID, n)
			}
		case <-sess.closed:
			return
		}
	}
}

func (s *Server) readLoop(sess *Session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[API] Session %s connection reset: %v", sess.ID, err)
			}
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			log.Printf("[API] Session %s sent malformed frame: %v", sess.ID, err)
			continue
		}
		if env.Type == TypeAck {
			sess.resolveAck(env.Ack)
		}
	}
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}
