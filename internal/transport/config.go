package transport

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/i5heu/ouroboros-stream/pkg/wire"
)

// Mode selects unicast or multicast delivery.
type Mode string

const (
	ModeUnicast   Mode = "unicast"
	ModeMulticast Mode = "multicast"
)

const (
	// DefaultGroup is the administratively scoped group used when none
	// is configured.
	DefaultGroup = "239.1.2.3"
	// DefaultTTL keeps multicast on the local subnet.
	DefaultTTL = 1
	// DefaultQueueDepth bounds the receive pump channel.
	DefaultQueueDepth = 1024
)

// Config holds everything the transport needs to open its socket. It is
// built by the command layer and passed in; there is no package state.
type Config struct { // A
	Mode Mode
	// Address is the destination host for unicast senders and the bind
	// host for receivers. Empty binds to all interfaces.
	Address string
	Port    int
	// Group is the multicast group address.
	Group string
	// Interface is a local IP address selecting the interface used for
	// multicast membership and outbound multicast. Empty uses the system
	// default.
	Interface string
	// Loopback lets the sending host receive its own multicast packets.
	Loopback bool
	// TTL is the multicast hop limit.
	TTL int
	// MaxDatagramSize is the ceiling for a single outbound datagram,
	// header included.
	MaxDatagramSize int
	// ReadBufferSize sets SO_RCVBUF when positive.
	ReadBufferSize int
	// QueueDepth is the capacity of the channel returned by Pump.
	QueueDepth int
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config { // A
	if c.Mode == "" {
		c.Mode = ModeUnicast
	}
	if c.Mode == ModeMulticast && c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxDatagramSize == 0 {
		c.MaxDatagramSize = wire.DefaultMaxDatagramSize
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

func (c Config) validate() error { // A
	switch c.Mode {
	case ModeUnicast, ModeMulticast:
	default:
		return fmt.Errorf("transport: unknown mode %q", c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("transport: port %d out of range", c.Port)
	}
	if c.MaxDatagramSize <= wire.HeaderSize || c.MaxDatagramSize > wire.MaxUDPPayload {
		return fmt.Errorf(
			"transport: max datagram size %d not in (%d, %d]",
			c.MaxDatagramSize,
			wire.HeaderSize,
			wire.MaxUDPPayload,
		)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("transport: negative queue depth %d", c.QueueDepth)
	}
	if c.Mode == ModeMulticast {
		ip := net.ParseIP(c.Group)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("transport: %q is not an IPv4 multicast group", c.Group)
		}
		if c.TTL < 0 || c.TTL > 255 {
			return fmt.Errorf("transport: ttl %d out of range", c.TTL)
		}
	}
	if c.Interface != "" && net.ParseIP(c.Interface) == nil {
		return fmt.Errorf("transport: interface %q is not an IP address", c.Interface)
	}
	return nil
}

func (c Config) hostPort(host string) string { // A
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// interfaceByAddr finds the interface that owns addr. An empty addr
// returns nil, which the ipv4 package treats as the system default.
func interfaceByAddr(addr string) (*net.Interface, error) { // A
	if addr == "" {
		return nil, nil
	}
	want := net.ParseIP(addr)
	if want == nil {
		return nil, fmt.Errorf("transport: invalid interface address %q", addr)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("transport: list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("transport: no interface with address %s", addr)
}
