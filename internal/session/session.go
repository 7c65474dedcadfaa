// Package session drives a subscriber connection through its lifecycle:
// credential check, join, activity, and leave.
package session

import (
	"errors"
	"fmt"
	"sync"

	"metanotify/internal/auth"
	"metanotify/internal/broadcast"
	"metanotify/internal/logging"
	"metanotify/internal/metrics"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid session transition")

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateRejected
	StateJoined
	StateActive
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params are the connection parameters supplied by the transport.
type Params struct {
	Credential    string
	HasCredential bool
	// Identity names the subscriber. A fresh one is generated when empty.
	Identity string
}

// Message is a transport notification delivered to a Session.
type Message interface {
	message()
}

// Opened reports a new connection and its parameters.
type Opened struct {
	Params Params
}

// Closed reports that the connection ended.
type Closed struct{}

// SendFailed reports a write the transport could not recover from.
type SendFailed struct {
	Err error
}

func (Opened) message()     {}
func (Closed) message()     {}
func (SendFailed) message() {}

type Options struct {
	Registry    *broadcast.Registry
	Policy      auth.Policy
	Logger      *logging.Logger
	Metrics     *metrics.Registry
	NewIdentity func() string
}

// Manager holds what every session shares: the subscriber registry and the
// credential policy.
type Manager struct {
	registry    *broadcast.Registry
	policy      auth.Policy
	logger      *logging.Logger
	metrics     *metrics.Registry
	newIdentity func() string
}

func NewManager(options Options) *Manager {
	registry := options.Registry
	if registry == nil {
		registry = broadcast.NewRegistry()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	newIdentity := options.NewIdentity
	if newIdentity == nil {
		newIdentity = uuid.NewString
	}
	return &Manager{
		registry:    registry,
		policy:      options.Policy,
		logger:      logger.With(map[string]string{"component": "session"}),
		metrics:     options.Metrics,
		newIdentity: newIdentity,
	}
}

func (m *Manager) Registry() *broadcast.Registry {
	return m.registry
}

// Open starts a session for channel in the Connecting state.
func (m *Manager) Open(channel broadcast.Channel) *Session {
	return &Session{manager: m, channel: channel, state: StateConnecting}
}

// Session is the lifecycle of one connection. Handle is safe for concurrent
// use; messages are applied one at a time.
type Session struct {
	mu      sync.Mutex
	manager *Manager
	channel broadcast.Channel
	state   State
	id      string
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the subscriber identity, empty until the session has joined.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Handle applies message. Opened returns the credential error when the
// connection is rejected. Closed and SendFailed after the session already
// ended are ignored.
func (s *Session) Handle(message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg := message.(type) {
	case Opened:
		if s.state != StateConnecting {
			return s.invalid(message)
		}
		return s.open(msg.Params)
	case Closed:
		switch s.state {
		case StateConnecting:
			s.transition(StateLeft)
			return nil
		case StateJoined, StateActive:
			s.leave("closed")
			return nil
		case StateRejected, StateLeft:
			return nil
		}
	case SendFailed:
		switch s.state {
		case StateJoined, StateActive:
			fields := map[string]string{"subscriber_id": s.id}
			if msg.Err != nil {
				fields["error"] = msg.Err.Error()
			}
			s.manager.logger.Warn("send failed, leaving", fields)
			s.leave("send_failed")
			s.closeChannel(s.channel)
			return nil
		case StateRejected, StateLeft:
			return nil
		}
	}
	return s.invalid(message)
}

func (s *Session) open(params Params) error {
	if err := s.manager.policy.Verify(params.Credential, params.HasCredential); err != nil {
		s.transition(StateRejected)
		s.manager.metrics.IncConnection(metrics.OutcomeRejected)
		s.manager.logger.Warn("could not authenticate subscriber", map[string]string{
			"identity": params.Identity,
			"error":    err.Error(),
		})
		s.reject(err)
		return err
	}
	s.transition(StateAuthenticated)

	id := params.Identity
	if id == "" {
		id = s.manager.newIdentity()
	}
	s.id = id
	previous := s.manager.registry.Join(id, s.channel)
	s.transition(StateJoined)
	if previous != nil && previous != s.channel {
		s.manager.logger.Info("subscriber replaced", map[string]string{"subscriber_id": id})
		s.closeChannel(previous)
	}
	s.manager.metrics.IncConnection(metrics.OutcomeAccepted)
	s.transition(StateActive)
	return nil
}

func (s *Session) leave(reason string) {
	s.manager.registry.Leave(s.id, s.channel)
	s.transition(StateLeft)
	s.manager.logger.Info("subscriber left", map[string]string{
		"subscriber_id": s.id,
		"reason":        reason,
	})
}

func (s *Session) transition(next State) {
	if s.manager.logger.Enabled(logging.LevelDebug) {
		s.manager.logger.Debug("session transition", map[string]string{
			"subscriber_id": s.id,
			"from":          s.state.String(),
			"to":            next.String(),
		})
	}
	s.state = next
}

func (s *Session) closeChannel(channel broadcast.Channel) {
	if channel == nil {
		return
	}
	if err := channel.Close(); err != nil {
		s.manager.logger.Debug("close channel failed", map[string]string{
			"subscriber_id": s.id,
			"error":         err.Error(),
		})
	}
}

// rejecter is implemented by channels that can tell the peer why they are
// being closed.
type rejecter interface {
	Reject(reason error) error
}

func (s *Session) reject(reason error) {
	if channel, ok := s.channel.(rejecter); ok {
		if err := channel.Reject(reason); err != nil {
			s.manager.logger.Debug("reject channel failed", map[string]string{
				"error": err.Error(),
			})
		}
		return
	}
	s.closeChannel(s.channel)
}

func (s *Session) invalid(message Message) error {
	return fmt.Errorf("%w: %T in state %s", ErrInvalidTransition, message, s.state)
}
