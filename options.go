package replica

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Role selects the defaults for a peer: its own type, the type stamped on
// peers it handshakes with, and who its attribute updates go to.
type Role uint8

const (
	RoleCoordinator Role = iota
	RoleParticipant
)

func (r Role) String() string {
	if r == RoleParticipant {
		return "participant"
	}
	return "coordinator"
}

type Option func(*peerConfig)

type peerConfig struct {
	role           Role
	actorType      ActorType
	connectionType ActorType
	syncTargets    []NetworkTarget

	tickInterval time.Duration
	clock        clock.Clock
	tickFunc     TickFunc

	connection connectionConfig

	registerer prometheus.Registerer

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string

	// Log level for the structured JSON logger. Nil leaves slog untouched.
	logLevel *slog.Level
}

func defaultPeerConfig() peerConfig {
	cfg := peerConfig{
		tickInterval: 50 * time.Millisecond,
		clock:        clock.New(),
		connection: connectionConfig{
			pollWindow:       time.Millisecond,
			writeTimeout:     50 * time.Millisecond,
			handshakeTimeout: defaultHandshakeTimeout,
			oversizedFrame:   defaultOversizedFrame,
		},
	}
	applyRole(&cfg, RoleCoordinator)
	return cfg
}

func applyRole(c *peerConfig, role Role) {
	c.role = role
	switch role {
	case RoleParticipant:
		c.actorType = ParticipantType
		c.connectionType = CoordinatorType
		c.syncTargets = []NetworkTarget{TargetActorType(CoordinatorType)}
	default:
		c.actorType = CoordinatorType
		c.connectionType = ParticipantType
		c.syncTargets = []NetworkTarget{TargetActorType(ParticipantType)}
	}
}

// WithRole resets the actor type, connection type and sync targets to the
// defaults for role. Options that follow it may override those.
func WithRole(role Role) Option {
	return func(c *peerConfig) {
		applyRole(c, role)
	}
}

func WithActorType(ty ActorType) Option {
	return func(c *peerConfig) {
		c.actorType = ty
	}
}

// WithConnectionType sets the type given to every peer this one handshakes with.
func WithConnectionType(ty ActorType) Option {
	return func(c *peerConfig) {
		c.connectionType = ty
	}
}

// WithSyncTargets sets the audiences attribute updates are sent to.
func WithSyncTargets(targets ...NetworkTarget) Option {
	return func(c *peerConfig) {
		c.syncTargets = append([]NetworkTarget(nil), targets...)
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(c *peerConfig) {
		c.tickInterval = d
	}
}

// WithClock replaces the wall clock driving Run. Tests pass clock.NewMock().
func WithClock(clk clock.Clock) Option {
	return func(c *peerConfig) {
		c.clock = clk
	}
}

// WithTickFunc installs the callback run once per tick between the receive
// and send halves of the pipeline.
func WithTickFunc(fn TickFunc) Option {
	return func(c *peerConfig) {
		c.tickFunc = fn
	}
}

// WithPollWindow sets how long a socket read may wait for bytes before it
// reports would-block.
func WithPollWindow(d time.Duration) Option {
	return func(c *peerConfig) {
		c.connection.pollWindow = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *peerConfig) {
		c.connection.writeTimeout = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *peerConfig) {
		c.connection.handshakeTimeout = d
	}
}

// WithOversizedFrameThreshold sets the frame length above which a warning is
// logged. Frames are never rejected for being oversized.
func WithOversizedFrameThreshold(n int) Option {
	return func(c *peerConfig) {
		c.connection.oversizedFrame = n
	}
}

// WithMetricsRegisterer registers the peer's metrics with reg instead of a
// private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *peerConfig) {
		c.registerer = reg
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *peerConfig) {
		c.adminAddr = addr
	}
}

func WithLogLevel(level slog.Level) Option {
	return func(c *peerConfig) {
		c.logLevel = &level
	}
}
