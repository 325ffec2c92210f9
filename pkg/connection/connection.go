// Package connection provides a partitioned pool of managed physical
// connections. Each managed connection tracks which global transaction, if
// any, currently owns it, so the pool never hands a connection to a second
// caller while it is in use or still associated with a transaction branch.
package connection

import (
	"context"

	"github.com/sushant-115/transx/core/xa"
)

// Credentials identify the subject a physical connection is opened as.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Subject returns the partition key for these credentials.
func (c Credentials) Subject() string {
	if c.User == "" {
		return "default"
	}
	return c.User
}

// PhysicalConnection is a raw driver connection.
type PhysicalConnection interface {
	// Validate performs a cheap liveness round-trip.
	Validate(ctx context.Context) error
	// Reset clears session-level state before the connection is reused.
	Reset(ctx context.Context) error
	Close() error
}

// AutoCommitter is implemented by connections with a local auto-commit mode.
type AutoCommitter interface {
	AutoCommit() bool
	SetAutoCommit(ctx context.Context, on bool) error
}

// Factory opens physical connections.
type Factory interface {
	Connect(ctx context.Context, creds Credentials) (PhysicalConnection, error)
}

// XAFactory is a Factory whose connections expose an XA resource.
type XAFactory interface {
	Factory
	XAResource(conn PhysicalConnection) (xa.Resource, error)
}

// Key selects the partition an acquire is served from. Under
// PartitionBySubject the credentials pick the partition and are used to open
// new connections; under PartitionRoundRobin the key is ignored and buckets
// are chosen in turn.
type Key struct {
	Credentials Credentials
}

// DefaultKey selects the partition of the pool's configured credentials.
var DefaultKey = Key{}

func (k Key) isZero() bool { return k.Credentials == Credentials{} }
