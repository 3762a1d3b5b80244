// Package packets holds the demo packet set spoken by the pktlink CLI.
package packets

import (
	"fmt"

	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/wire"
)

const (
	GreetingID int32 = 5
	ChatID     int32 = 6
)

// Greeting introduces one side of a connection to the other.
type Greeting struct {
	Name string
	Age  int32
}

func (g *Greeting) Write(w *wire.Writer) error {
	w.WriteString(g.Name)
	w.WriteInt32(g.Age)
	return nil
}

func (g *Greeting) Read(_ packet.Conn, r *wire.Reader) error {
	g.Name = r.ReadString()
	g.Age = r.ReadInt32()
	return r.Err()
}

// Chat is a free-form text message. SentAt is unix milliseconds.
type Chat struct {
	From   string
	Text   string
	SentAt int64
}

func (c *Chat) Write(w *wire.Writer) error {
	w.WriteString(c.From)
	w.WriteString(c.Text)
	w.WriteInt64(c.SentAt)
	return nil
}

func (c *Chat) Read(_ packet.Conn, r *wire.Reader) error {
	c.From = r.ReadString()
	c.Text = r.ReadString()
	c.SentAt = r.ReadInt64()
	return r.Err()
}

// Register adds the demo packets to reg.
func Register(reg *packet.Registry) error {
	if reg == nil {
		return packet.ErrNilRegistry
	}
	if err := reg.Register(GreetingID, packet.Of[Greeting]()); err != nil {
		return fmt.Errorf("register greeting: %w", err)
	}
	if err := reg.Register(ChatID, packet.Of[Chat]()); err != nil {
		return fmt.Errorf("register chat: %w", err)
	}
	return nil
}

// NewRegistry returns a registry holding only the demo packets.
func NewRegistry() *packet.Registry {
	reg := packet.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
