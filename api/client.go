package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotehaptics/remotehaptics/internal/helpers"
)

const (
	// DefaultLateWindow is how far past its actuation window a command
	// may arrive and still be applied. Later arrivals are dropped and
	// acknowledged as late.
	DefaultLateWindow = 250 * time.Millisecond

	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 8 * time.Second

	// DefaultMaxReconnects is the retry ceiling before the client gives
	// up and surfaces ErrRetriesExhausted.
	DefaultMaxReconnects = 10
)

// CommandHandler is the receiver-side consumer of delivered commands.
// The device registry implements it.
type CommandHandler interface {
	// Apply actuates one command. An error acknowledges the command as
	// device_error but does not terminate the session.
	Apply(Command) error
	// Reset forces all actuators to neutral. Called on every (re)connect
	// before any command is applied. Must be idempotent.
	Reset() error
}

// ClientStats counts client-side channel activity.
type ClientStats struct {
	Connects     int64
	Applied      int64
	DroppedLate  int64
	DeviceErrors int64
}

// Client maintains a reconnecting TLS websocket connection to the
// command channel server and applies delivered commands to its handler.
type Client struct {
	serverAddr    string
	handler       CommandHandler
	targets       []string
	pinned        string
	caFile        string
	lateWindow    time.Duration
	maxReconnects int

	onState func(ConnState)

	statsMu sync.Mutex
	stats   ClientStats
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithPinnedFingerprint pins the server certificate by SHA-256
// fingerprint instead of CA validation.
func WithPinnedFingerprint(fp string) ClientOption {
	return func(c *Client) { c.pinned = fp }
}

// WithCAFile validates the server certificate against a PEM CA bundle.
func WithCAFile(path string) ClientOption {
	return func(c *Client) { c.caFile = path }
}

// WithTargets advertises the device targets this receiver actuates.
func WithTargets(targets []string) ClientOption {
	return func(c *Client) { c.targets = targets }
}

// WithLateWindow overrides the late-arrival drop window.
func WithLateWindow(d time.Duration) ClientOption {
	return func(c *Client) { c.lateWindow = d }
}

// WithMaxReconnects overrides the reconnect retry ceiling.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) { c.maxReconnects = n }
}

// WithStateCallback registers a callback invoked on connection state
// transitions, used by the monitor UI.
func WithStateCallback(cb func(ConnState)) ClientOption {
	return func(c *Client) { c.onState = cb }
}

// NewClient creates a command channel client. One of
// WithPinnedFingerprint or WithCAFile must be supplied; the server is
// never trusted implicitly.
func NewClient(serverAddr string, handler CommandHandler, opts ...ClientOption) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil command handler")
	}
	c := &Client{
		serverAddr:    serverAddr,
		handler:       handler,
		lateWindow:    DefaultLateWindow,
		maxReconnects: DefaultMaxReconnects,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pinned == "" && c.caFile == "" {
		return nil, fmt.Errorf("no trust anchor: pin a fingerprint or provide a CA file")
	}
	return c, nil
}

// Stats returns activity counters.
func (c *Client) Stats() ClientStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Client) countStat(f func(*ClientStats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	if c.pinned != "" {
		return &tls.Config{
			// Chain validation is replaced by the fingerprint pin.
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: VerifyPinnedPeer(c.pinned),
		}, nil
	}
	pem, err := os.ReadFile(c.caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func (c *Client) setState(state ConnState) {
	if c.onState != nil {
		c.onState(state)
	}
}

// Run connects and serves commands until ctx is cancelled or the
// reconnect ceiling is reached. Transient disconnects reconnect on a
// bounded exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return err
	}

	retries := 0
	delay := reconnectBaseDelay
	for {
		err := c.runSession(ctx, tlsCfg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrHandshakeFailed) {
			// Fatal for the session and not worth retrying: the trust
			// anchor or protocol version is wrong, not the network.
			c.setState(ConnClosed)
			return err
		}
		if err != nil {
			log.Printf("[API] Connection to %s lost: %v", c.serverAddr, err)
		}

		retries++
		if retries > c.maxReconnects {
			c.setState(ConnClosed)
			return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, retries-1)
		}
		log.Printf("[API] Reconnecting to %s in %v (attempt %d/%d)", c.serverAddr, delay, retries, c.maxReconnects)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Client) runSession(ctx context.Context, tlsCfg *tls.Config) error {
	u := url.URL{Scheme: "wss", Host: c.serverAddr, Path: "/"}
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: handshakeTimeout,
	}

	c.setState(ConnHandshaking)
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, ErrHandshakeFailed) || isCertError(err) {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		return err
	}
	defer conn.Close()

	hello := Envelope{Type: TypeHello, Hello: &Hello{Version: ProtocolVersion, Targets: c.targets}}
	data, err := EncodeEnvelope(hello)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: sending hello: %v", ErrHandshakeFailed, err)
	}

	// A fresh session always starts from neutral actuation. Commands in
	// flight when the previous session died were time-sensitive and are
	// gone; only the reset survives a reconnect.
	if err := c.handler.Reset(); err != nil {
		log.Printf("[API] Device reset on connect failed: %v", err)
	}

	c.countStat(func(st *ClientStats) { st.Connects++ })
	c.setState(ConnActive)
	log.Printf("[API] Connected to %s", c.serverAddr)

	// Watch ctx so a cancelled receiver unblocks the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.setState(ConnClosed)
			return err
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			log.Printf("[API] Malformed frame from server: %v", err)
			continue
		}
		switch env.Type {
		case TypeCommand:
			ack := c.applyCommand(*env.Command)
			reply := Envelope{Type: TypeAck, Ack: &ack}
			out, err := EncodeEnvelope(reply)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				c.setState(ConnClosed)
				return err
			}
		case TypeReset:
			if err := c.handler.Reset(); err != nil {
				log.Printf("[API] Device reset failed: %v", err)
			}
		}
	}
}

func (c *Client) applyCommand(cmd Command) Ack {
	_, windowEnd := cmd.Window()
	if time.Now().After(windowEnd.Add(c.lateWindow)) {
		c.countStat(func(st *ClientStats) { st.DroppedLate++ })
		log.Printf("[API] Dropping late command %s (%v past window)", cmd.ID, time.Since(windowEnd))
		return Ack{ID: cmd.ID, Status: AckLate}
	}
	if err := c.handler.Apply(cmd); err != nil {
		c.countStat(func(st *ClientStats) { st.DeviceErrors++ })
		log.Printf("[API] Device error applying %s: %v", cmd.ID, err)
		return Ack{ID: cmd.ID, Status: AckDeviceError}
	}
	c.countStat(func(st *ClientStats) { st.Applied++ })
	if helpers.IsAPITraceEnabled() {
		log.Printf("[API] Applied command %s target=%s intensity=%.3f duration=%v",
			cmd.ID, cmd.DeviceTarget, cmd.Intensity, cmd.Duration)
	}
	return Ack{ID: cmd.ID, Status: AckOK}
}

func isCertError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	return errors.As(err, &unknownAuth)
}
