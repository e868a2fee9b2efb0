// Package transport owns the UDP socket for unicast and multicast frame
// delivery. One Receive returns exactly one datagram; the transport never
// merges or splits datagrams and never retransmits.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/i5heu/ouroboros-stream/pkg/logging"
	"github.com/i5heu/ouroboros-stream/pkg/wire"
)

const (
	logKeyMode      = "mode"
	logKeyAddress   = "address"
	logKeyGroup     = "group"
	logKeyInterface = "interface"
	logKeyLoopback  = "loopback"
	logKeyTTL       = "ttl"
	logKeyError     = "error"
	logKeyDropped   = "dropped"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrDatagramTooLarge is returned by Send for datagrams above the
	// configured ceiling.
	ErrDatagramTooLarge = errors.New("transport: datagram exceeds max datagram size")
)

// Conn is a UDP endpoint. Send is safe for concurrent use; Receive and
// Pump must not be used at the same time.
type Conn struct { // A
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	remote *net.UDPAddr
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// Dial opens a sending endpoint. In unicast mode datagrams go to
// Address:Port; in multicast mode to Group:Port through the configured
// interface.
func Dial(cfg Config) (*Conn, error) { // A
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(cfg.Logger)

	if cfg.Mode == ModeUnicast {
		if cfg.Address == "" {
			return nil, errors.New("transport: unicast sender needs a destination address")
		}
		raddr, err := net.ResolveUDPAddr("udp", cfg.hostPort(cfg.Address))
		if err != nil {
			return nil, fmt.Errorf("transport: resolve %s: %w", cfg.Address, err)
		}
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("transport: open socket: %w", err)
		}
		logger.Info("unicast sender ready",
			logKeyAddress, raddr.String())
		return &Conn{conn: conn, remote: raddr, cfg: cfg, logger: logger}, nil
	}

	raddr, err := net.ResolveUDPAddr("udp4", cfg.hostPort(cfg.Group))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve group %s: %w", cfg.Group, err)
	}
	var laddr *net.UDPAddr
	if cfg.Interface != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(cfg.Interface)}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: open multicast socket: %w", err)
	}
	c := &Conn{conn: conn, remote: raddr, cfg: cfg, logger: logger}
	if err := c.setupMulticastSender(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("multicast sender ready",
		logKeyGroup, raddr.String(),
		logKeyInterface, interfaceLabel(cfg.Interface),
		logKeyLoopback, cfg.Loopback,
		logKeyTTL, cfg.TTL)
	return c, nil
}

// Listen opens a receiving endpoint bound to Address:Port. In multicast
// mode it joins Group on the configured interface before returning.
func Listen(cfg Config) (*Conn, error) { // A
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(cfg.Logger)

	network := "udp"
	if cfg.Mode == ModeMulticast {
		network = "udp4"
	}
	laddr, err := net.ResolveUDPAddr(network, cfg.hostPort(cfg.Address))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", cfg.Address, err)
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", laddr, err)
	}
	if cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("transport: set read buffer: %w", err)
		}
	}

	c := &Conn{conn: conn, cfg: cfg, logger: logger}
	if cfg.Mode == ModeMulticast {
		if err := c.joinGroup(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("joined multicast group",
			logKeyGroup, cfg.Group,
			logKeyAddress, conn.LocalAddr().String(),
			logKeyInterface, interfaceLabel(cfg.Interface),
			logKeyLoopback, cfg.Loopback)
		return c, nil
	}
	logger.Info("listening for datagrams",
		logKeyMode, string(cfg.Mode),
		logKeyAddress, conn.LocalAddr().String())
	return c, nil
}

func (c *Conn) setupMulticastSender() error { // A
	ifi, err := interfaceByAddr(c.cfg.Interface)
	if err != nil {
		return err
	}
	c.pc = ipv4.NewPacketConn(c.conn)
	if ifi != nil {
		if err := c.pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("transport: set multicast interface %s: %w", ifi.Name, err)
		}
	}
	if err := c.pc.SetMulticastLoopback(c.cfg.Loopback); err != nil {
		return fmt.Errorf("transport: set multicast loopback: %w", err)
	}
	if err := c.pc.SetMulticastTTL(c.cfg.TTL); err != nil {
		return fmt.Errorf("transport: set multicast ttl: %w", err)
	}
	return nil
}

func (c *Conn) joinGroup() error { // A
	ifi, err := interfaceByAddr(c.cfg.Interface)
	if err != nil {
		return err
	}
	c.pc = ipv4.NewPacketConn(c.conn)
	group := &net.UDPAddr{IP: net.ParseIP(c.cfg.Group)}
	if err := c.pc.JoinGroup(ifi, group); err != nil {
		return fmt.Errorf("transport: join group %s: %w", c.cfg.Group, err)
	}
	if err := c.pc.SetMulticastLoopback(c.cfg.Loopback); err != nil {
		return fmt.Errorf("transport: set multicast loopback: %w", err)
	}
	return nil
}

// Send transmits one datagram. A context deadline becomes the socket
// write deadline.
func (c *Conn) Send(ctx context.Context, datagram []byte) error { // A
	if c.closed.Load() {
		return ErrClosed
	}
	if c.remote == nil {
		return errors.New("transport: endpoint has no destination")
	}
	if len(datagram) > c.cfg.MaxDatagramSize {
		return fmt.Errorf(
			"%w: %d > %d",
			ErrDatagramTooLarge,
			len(datagram),
			c.cfg.MaxDatagramSize,
		)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if _, err := c.conn.WriteToUDP(datagram, c.remote); err != nil {
		return c.wrapErr("send", err)
	}
	return nil
}

// Receive blocks until one datagram arrives, ctx is done or the
// connection is closed.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) { // A
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("transport: set read deadline: %w", err)
	}

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	buf := make([]byte, wire.MaxUDPPayload)
	d, err := c.readOne(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return d, nil
}

// Pump starts the receive worker. It reads datagrams into a channel of
// capacity QueueDepth and closes the channel when ctx is done or the
// connection is closed. When the consumer falls behind the newest
// datagram is dropped instead of stalling the socket.
func (c *Conn) Pump(ctx context.Context) <-chan []byte { // A
	out := make(chan []byte, c.cfg.QueueDepth)
	stopped := make(chan struct{})
	_ = c.conn.SetReadDeadline(time.Time{})

	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-stopped:
		}
	}()

	go func() {
		defer close(out)
		defer close(stopped)
		buf := make([]byte, wire.MaxUDPPayload)
		for {
			d, err := c.readOne(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrClosed) {
					return
				}
				c.logger.Warn("receive failed", logKeyError, err)
				continue
			}
			select {
			case out <- d:
			default:
				n := c.dropped.Add(1)
				if n == 1 || n%1000 == 0 {
					c.logger.Warn("receive queue full, dropping datagram",
						logKeyDropped, n)
				}
			}
		}
	}()

	return out
}

// Dropped returns how many datagrams Pump discarded on a full queue.
func (c *Conn) Dropped() uint64 { // A
	return c.dropped.Load()
}

// LocalAddr returns the bound socket address.
func (c *Conn) LocalAddr() *net.UDPAddr { // A
	addr, _ := c.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// MaxDatagramSize returns the outbound ceiling.
func (c *Conn) MaxDatagramSize() int { // A
	return c.cfg.MaxDatagramSize
}

// Close releases the socket. Blocked Receive and Pump calls return.
func (c *Conn) Close() error { // A
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.pc != nil && c.remote == nil {
			ifi, _ := interfaceByAddr(c.cfg.Interface)
			_ = c.pc.LeaveGroup(ifi, &net.UDPAddr{IP: net.ParseIP(c.cfg.Group)})
		}
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readOne(buf []byte) ([]byte, error) { // A
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, c.wrapErr("receive", err)
	}
	d := make([]byte, n)
	copy(d, buf[:n])
	return d, nil
}

func (c *Conn) wrapErr(op string, err error) error { // A
	if errors.Is(err, net.ErrClosed) || c.closed.Load() {
		return ErrClosed
	}
	return fmt.Errorf("transport: %s: %w", op, err)
}

func interfaceLabel(addr string) string { // A
	if addr == "" {
		return "default"
	}
	return addr
}
