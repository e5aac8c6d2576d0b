// ABOUTME: Instance identities for agents, clients and servers in a fleet
// ABOUTME: IDs are time-ordered UUIDs whose final nibble records the instance types

package instance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is a role an instance plays in the fleet.
type Type uint8

const (
	// Agent runs on managed hosts and answers management requests.
	Agent Type = 1 << iota
	// Client is a user interface for managing the fleet.
	Client
	// Server coordinates every other instance.
	Server
)

// AllTypes lists every instance type in mask order.
var AllTypes = []Type{Agent, Client, Server}

const typeMask = byte(Agent | Client | Server)

func (t Type) String() string {
	switch t {
	case Agent:
		return "agent"
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType parses the lowercase name of a type.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown instance type %q", s)
}

// ErrInvalidID is returned when parsing an ID that carries no instance type.
var ErrInvalidID = errors.New("invalid instance id")

// ID identifies one instance.
type ID uuid.UUID

// NewID generates an ID for an instance of the given types. Calling it
// without any type is a programming error and panics.
func NewID(types ...Type) ID {
	if len(types) == 0 {
		panic("instance: no instance type given")
	}
	u := uuid.Must(uuid.NewV7())
	u[15] &^= 0x0F
	for _, t := range types {
		u[15] |= byte(t) & typeMask
	}
	return ID(u)
}

// ParseID parses the canonical string form of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	if u[15]&typeMask == 0 {
		return ID{}, fmt.Errorf("%w: %s has no instance type", ErrInvalidID, s)
	}
	return ID(u), nil
}

// Is reports whether the ID was generated with type t.
func (id ID) Is(t Type) bool {
	return id[15]&byte(t) != 0
}

// IsAgent reports whether the ID belongs to an agent.
func (id ID) IsAgent() bool { return id.Is(Agent) }

// IsClient reports whether the ID belongs to a client.
func (id ID) IsClient() bool { return id.Is(Client) }

// IsServer reports whether the ID belongs to a server.
func (id ID) IsServer() bool { return id.Is(Server) }

// Types returns the instance types encoded in the ID.
func (id ID) Types() []Type {
	var out []Type
	for _, t := range AllTypes {
		if id.Is(t) {
			out = append(out, t)
		}
	}
	return out
}

// Timestamp returns when the ID was generated, to the millisecond.
func (id ID) Timestamp() time.Time {
	var buf [8]byte
	copy(buf[2:], id[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(buf[:]))).UTC()
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ClusterID identifies a fleet of cooperating servers.
type ClusterID uuid.UUID

// NewClusterID generates a fresh cluster ID.
func NewClusterID() ClusterID {
	return ClusterID(uuid.Must(uuid.NewV7()))
}

// ParseClusterID parses the canonical string form of a cluster ID.
func ParseClusterID(s string) (ClusterID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClusterID{}, fmt.Errorf("invalid cluster id: %w", err)
	}
	return ClusterID(u), nil
}

func (c ClusterID) String() string {
	return uuid.UUID(c).String()
}

// MarshalText implements encoding.TextMarshaler.
func (c ClusterID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClusterID) UnmarshalText(b []byte) error {
	parsed, err := ParseClusterID(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
