// ABOUTME: Connection rows recording links between this server and remote instances
// ABOUTME: Connections are temporal so every heartbeat is kept as a revision

package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
)

// Direction records which side opened a connection.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Validate reports whether d is a known direction.
func (d Direction) Validate() error {
	switch d {
	case Inbound, Outbound:
		return nil
	default:
		return fmt.Errorf("unknown direction %q", string(d))
	}
}

// ErrConnectionNotFound indicates the connection is not tracked.
var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionData describes one live link to a remote instance.
type ConnectionData struct {
	ID        database.DataIdentifier `cbor:"id" json:"id"`
	Remote    instance.ID             `cbor:"remote" json:"remote"`
	Address   string                  `cbor:"address" json:"address"`
	Direction Direction               `cbor:"direction" json:"direction"`
	Connected time.Time               `cbor:"connected" json:"connected"`
	LastSeen  time.Time               `cbor:"last_seen" json:"last_seen"`
	RTT       time.Duration           `cbor:"rtt" json:"rtt"`
}

// Register defines the connection model.
func Register(reg *database.Registry) error {
	return database.Define(reg, database.Model[ConnectionData]{
		Name:     "connection",
		ID:       func(c *ConnectionData) *database.DataIdentifier { return &c.ID },
		Temporal: true,
		Indexes: map[string]func(*ConnectionData) database.KeyValue{
			"remote":    func(c *ConnectionData) database.KeyValue { return database.StringKey(c.Remote.String()) },
			"direction": func(c *ConnectionData) database.KeyValue { return database.StringKey(string(c.Direction)) },
		},
		Validate: func(c *ConnectionData) error {
			if c.Remote.IsZero() {
				return errors.New("remote instance is required")
			}
			return c.Direction.Validate()
		},
	})
}
