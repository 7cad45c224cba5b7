package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// vendorSocket is the shared read-loop/reconnect machinery under every
// hand-built vendor stream. Dial parameters are produced per attempt
// so a refreshed token is used after reconnect.
type vendorSocket struct {
	name string
	log  zerolog.Logger

	dialInfo  func() (url string, header http.Header, err error)
	onOpen    func() error // auth/subscribe messages after dial
	onMessage func(messageType int, data []byte)
	onClose   func(reason string)
	onError   func(err error)

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool

	maxReconnectDelay time.Duration
}

func newVendorSocket(name string, log zerolog.Logger) *vendorSocket {
	return &vendorSocket{
		name:              name,
		log:               log.With().Str("socket", name).Logger(),
		maxReconnectDelay: 30 * time.Second,
	}
}

// run dials and reads until close is called or the context ends.
// Dropped connections are redialed with exponential backoff.
func (s *vendorSocket) run(ctx context.Context) error {
	delay := time.Second

	for {
		if s.isClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		url, header, err := s.dialInfo()
		if err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("Dial failed")
			s.emitError(err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.maxReconnectDelay {
				delay = s.maxReconnectDelay
			}
			continue
		}

		s.setConn(conn)
		delay = time.Second

		if s.onOpen != nil {
			if err := s.onOpen(); err != nil {
				s.log.Warn().Err(err).Msg("Post-connect handshake failed")
				conn.Close()
				continue
			}
		}

		s.readLoop(conn)

		if s.isClosed() {
			if s.onClose != nil {
				s.onClose("disconnected")
			}
			return nil
		}
		if s.onClose != nil {
			s.onClose("connection lost, reconnecting")
		}
	}
}

func (s *vendorSocket) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.log.Warn().Err(err).Msg("Read failed")
				s.emitError(err)
			}
			return
		}
		if s.onMessage != nil {
			s.onMessage(messageType, data)
		}
	}
}

// sendJSON writes one JSON frame. Writes are serialized; gorilla
// allows only one concurrent writer.
func (s *vendorSocket) sendJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.getConn()
	if conn == nil {
		return apperrNotConnected
	}
	return conn.WriteJSON(v)
}

func (s *vendorSocket) sendText(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.getConn()
	if conn == nil {
		return apperrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *vendorSocket) close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *vendorSocket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *vendorSocket) getConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *vendorSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *vendorSocket) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

func (s *vendorSocket) emitError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}
