// Package slskcfg holds the typed configuration structs recognized by the
// core. Loading configuration from a file or environment is an external
// concern; this package only defines shapes, defaults, and validation.
package slskcfg

import "time"

// ConnectionOptions bounds buffers and timeouts for a single Connection.
// InactivityTimeout of -1 disables the inactivity watchdog.
type ConnectionOptions struct {
	ReadBufferSize    int
	WriteBufferSize   int
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
}

// DefaultConnectionOptions returns the connection defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ReadBufferSize:    16 * 1024,
		WriteBufferSize:   16 * 1024,
		ConnectTimeout:    10 * time.Second,
		InactivityTimeout: -1,
	}
}

// Config is the top-level set of recognized options.
type Config struct {
	ListenPort *uint16

	ConcurrentDistributedChildrenLimit uint32
	ConcurrentPeerMessageConnLimit     uint32
	MessageTimeout                     time.Duration
	AutoAcknowledgePrivateMessages     bool
	MinimumDiagnosticLevel             string // "None"|"Warning"|"Info"|"Debug"
	StartingToken                      uint32

	ServerConnectionOptions      ConnectionOptions
	PeerConnectionOptions        ConnectionOptions
	TransferConnectionOptions    ConnectionOptions
	IncomingConnectionOptions    ConnectionOptions
	DistributedConnectionOptions ConnectionOptions

	ParentWatchdogPeriod time.Duration
}

// Default returns the configuration with every documented default
// applied.
func Default() Config {
	opts := DefaultConnectionOptions()
	return Config{
		ConcurrentDistributedChildrenLimit: 100,
		ConcurrentPeerMessageConnLimit:     500,
		MessageTimeout:                     5 * time.Second,
		AutoAcknowledgePrivateMessages:     true,
		MinimumDiagnosticLevel:             "Info",
		StartingToken:                      0,
		ServerConnectionOptions:            opts,
		PeerConnectionOptions:              opts,
		TransferConnectionOptions:          opts,
		IncomingConnectionOptions:          opts,
		DistributedConnectionOptions:       opts,
		ParentWatchdogPeriod:               30 * time.Second,
	}
}

// Validate rejects out-of-range configurations (e.g. a zero peer
// connection limit), returning the first violation found.
func (c Config) Validate() error {
	if c.ConcurrentPeerMessageConnLimit < 1 {
		return errInvalid("concurrent_peer_message_connection_limit must be >= 1")
	}
	if c.MessageTimeout < time.Second {
		return errInvalid("message_timeout must be >= 1s")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errInvalid(msg string) error { return configError(msg) }
