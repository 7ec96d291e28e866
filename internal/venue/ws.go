package venue

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"spreadscan/internal/telemetry"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	dialMaxTries     = 4
)

// SessionOpts configures one streaming socket. OnMessage receives decompressed
// frames; OnClose fires once when the read loop exits for any reason other
// than an explicit Close.
type SessionOpts struct {
	URL          string
	PingInterval time.Duration
	// Ping writes one keepalive frame. Nil for venues that only answer
	// server-initiated pings inside OnMessage.
	Ping      func(s *Session) error
	Inflate   func([]byte) ([]byte, error)
	OnMessage func([]byte)
	OnClose   func(error)
}

// Session wraps a websocket connection with serialized writes, a read loop
// and an optional ping loop. It never reconnects on its own: the streaming
// manager owns that decision.
type Session struct {
	conn    *websocket.Conn
	opts    SessionOpts
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// Dial opens the socket with bounded retries and starts the loops.
func Dial(ctx context.Context, venue string, opts SessionOpts) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, _, err := dialer.DialContext(ctx, opts.URL, nil)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue).Str("url", opts.URL).Msg("websocket dial failed")
			telemetry.ConnectionErrors.WithLabelValues(venue, "dial").Inc()
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(dialMaxTries))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	s := &Session{conn: conn, opts: opts, done: make(chan struct{})}
	go s.readLoop(venue)
	if opts.Ping != nil && opts.PingInterval > 0 {
		go s.pingLoop(venue)
	}
	return s, nil
}

// Send marshals v and writes it as one text frame.
func (s *Session) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendText(b)
}

// SendText writes a raw text frame.
func (s *Session) SendText(b []byte) error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Close shuts the socket down. Idempotent; suppresses the OnClose callback.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Session) readLoop(venue string) {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				telemetry.ConnectionErrors.WithLabelValues(venue, "read").Inc()
				s.closed.Store(true)
				_ = s.conn.Close()
				if s.opts.OnClose != nil {
					s.opts.OnClose(err)
				}
			}
			return
		}
		if s.opts.Inflate != nil {
			raw, err = s.opts.Inflate(raw)
			if err != nil {
				log.Warn().Err(err).Str("venue", venue).Msg("dropping undecodable frame")
				telemetry.ParseErrors.WithLabelValues(venue, "inflate").Inc()
				continue
			}
		}
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(raw)
		}
	}
}

func (s *Session) pingLoop(venue string) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.opts.Ping(s); err != nil {
				log.Debug().Err(err).Str("venue", venue).Msg("ping write failed")
				return
			}
		}
	}
}

// GunzipFrame decompresses a gzip websocket frame (HTX, BingX).
func GunzipFrame(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// InflateFrame decompresses a raw-deflate websocket frame (CoinEx).
func InflateFrame(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	return io.ReadAll(r)
}
