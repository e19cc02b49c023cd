// Package conntest provides an in-memory connection that records every
// packet the world sends to it.
package conntest

import (
	"sync"

	"entity-scale/server/internal/wire"
	"entity-scale/server/internal/world"
)

type Conn struct {
	id world.ConnectionID

	mu      sync.Mutex
	seq     uint32
	packets [][]byte
	// FailSends makes Send return ErrClosed without recording.
	FailSends bool
}

var _ world.Connection = (*Conn)(nil)

// ErrClosed is returned by Send when FailSends is set.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "conntest: connection closed" }

func New(id world.ConnectionID) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() world.ConnectionID { return c.id }

func (c *Conn) NextEntityUpdate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Sequence returns the last issued entity update number.
func (c *Conn) Sequence() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Conn) Send(packet []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSends {
		return ErrClosed
	}
	c.packets = append(c.packets, append([]byte(nil), packet...))
	return nil
}

// Raw returns copies of the recorded packets.
func (c *Conn) Raw() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.packets))
	for i, packet := range c.packets {
		out[i] = append([]byte(nil), packet...)
	}
	return out
}

// Packets decodes the recorded packets. Undecodable packets are skipped.
func (c *Conn) Packets() []wire.Packet {
	raw := c.Raw()
	out := make([]wire.Packet, 0, len(raw))
	for _, data := range raw {
		packet, err := wire.ParsePacket(data)
		if err != nil {
			continue
		}
		out = append(out, packet)
	}
	return out
}

// Snapshots decodes the entity snapshots sent for id, in order.
func (c *Conn) Snapshots(id uint64) []wire.Entity {
	var out []wire.Entity
	for _, packet := range c.Packets() {
		if packet.Type != wire.MessageEntities {
			continue
		}
		entity, err := packet.Entity()
		if err != nil || entity.ID != id {
			continue
		}
		out = append(out, entity)
	}
	return out
}

// Destroys returns the entity ids of every destroy packet, in order.
func (c *Conn) Destroys() []uint64 {
	var out []uint64
	for _, packet := range c.Packets() {
		if packet.Type == wire.MessageEntityDestroy {
			out = append(out, packet.EntityID)
		}
	}
	return out
}

// Reset forgets recorded packets. The sequence number is kept.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = nil
}
