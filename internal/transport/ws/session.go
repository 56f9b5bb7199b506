// Package ws maintains the duplex session with the control plane. A
// session authenticates during the handshake and is considered
// established only after the server's explicit auth_success message.
// Outbound emits are serialised through a single writer goroutine (the
// gorilla connection allows one concurrent writer). Reconnection policy
// lives with the orchestrator; this package only provides the session
// and the backoff calculator.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

// ErrAuthFailed means the server rejected both header authentication and
// the message-level fallback. The orchestrator reacts by refreshing the
// token.
var ErrAuthFailed = errors.New("websocket authentication failed")

// ErrSessionClosed is returned by Send after the session has ended.
var ErrSessionClosed = errors.New("session closed")

const (
	handshakeTimeout = 15 * time.Second
	authReadTimeout  = 10 * time.Second
	writeTimeout     = 10 * time.Second
	emitBufferSize   = 32
)

// Inbound is one typed server event delivered to the orchestrator.
type Inbound struct {
	Type    protocol.EventType
	Command *protocol.CommandRequest
	Update  *protocol.UpdateDescriptor
}

// Session is one established, authenticated connection.
type Session struct {
	conn *websocket.Conn
	log  *logging.Logger

	inbound  chan Inbound
	outbound chan protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Dial connects, authenticates, and returns an established session.
// Header authentication is attempted first; if the server answers
// auth_failed, the message-level authenticate fallback is tried once.
func Dial(ctx context.Context, wsURL, agentID, token string, log *logging.Logger) (*Session, error) {
	header := http.Header{}
	header.Set("X-Client-Type", protocol.ClientType)
	header.Set("X-Agent-ID", agentID)
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake rejected", ErrAuthFailed)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	if err := awaitAuth(conn, agentID, token); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		conn:     conn,
		log:      log,
		inbound:  make(chan Inbound, emitBufferSize),
		outbound: make(chan protocol.Envelope, emitBufferSize),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// awaitAuth reads the server's verdict on the handshake credentials,
// falling back to the message-level authenticate event once.
func awaitAuth(conn *websocket.Conn, agentID, token string) error {
	for attempt := 0; attempt < 2; attempt++ {
		conn.SetReadDeadline(time.Now().Add(authReadTimeout))
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read auth verdict: %w", err)
		}

		switch env.Type {
		case protocol.EventAuthSuccess:
			conn.SetReadDeadline(time.Time{})
			return nil
		case protocol.EventAuthFailed:
			if attempt > 0 {
				return ErrAuthFailed
			}
			// Header auth rejected -- try the message-level fallback.
			fallback, err := protocol.NewEnvelope(protocol.EventAuthenticate,
				protocol.AuthenticateEvent{AgentID: agentID, Token: token})
			if err != nil {
				return err
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(fallback); err != nil {
				return fmt.Errorf("send authenticate fallback: %w", err)
			}
		default:
			return fmt.Errorf("unexpected pre-auth event %q", env.Type)
		}
	}
	return ErrAuthFailed
}

// readLoop decodes inbound envelopes and dispatches them by type until
// the connection fails.
func (s *Session) readLoop() {
	defer s.shutdown(nil)

	for {
		var env protocol.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			s.shutdown(fmt.Errorf("receive: %w", err))
			return
		}

		switch env.Type {
		case protocol.EventCommandExecute:
			var cmd protocol.CommandRequest
			if err := env.Decode(&cmd); err != nil {
				s.log.Warn("malformed command event", "error", err)
				continue
			}
			s.deliver(Inbound{Type: env.Type, Command: &cmd})

		case protocol.EventNewVersionAvailable:
			var desc protocol.UpdateDescriptor
			if err := env.Decode(&desc); err != nil {
				s.log.Warn("malformed update notification", "error", err)
				continue
			}
			s.deliver(Inbound{Type: env.Type, Update: &desc})

		case protocol.EventAuthFailed:
			// Mid-session credential revocation.
			s.shutdown(ErrAuthFailed)
			return

		case protocol.EventAuthSuccess:
			// Duplicate ack after establishment; nothing to do.

		default:
			s.log.Warn("unknown server event", "type", env.Type)
		}
	}
}

// deliver hands an inbound event to the orchestrator, dropping it if the
// session is shutting down.
func (s *Session) deliver(in Inbound) {
	select {
	case s.inbound <- in:
	case <-s.done:
	}
}

// writeLoop is the single writer to the connection. It owns the closing
// of the underlying conn, which also unblocks the read loop.
func (s *Session) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case env := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				s.shutdown(fmt.Errorf("send %s: %w", env.Type, err))
				return
			}
		case <-s.done:
			// Graceful close: best-effort close frame, then drop the conn.
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues an envelope for transmission. It fails once the session is
// closed or the context expires; the caller then routes the payload to
// the offline queue.
func (s *Session) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case s.outbound <- env:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the channel of typed server events.
func (s *Session) Inbound() <-chan Inbound { return s.inbound }

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil for an orderly Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session gracefully.
func (s *Session) Close() {
	s.shutdown(nil)
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
