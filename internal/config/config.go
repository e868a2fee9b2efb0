// Package config loads the streaming settings shared by the send and
// receive commands. A YAML file supplies the base; command line flags
// override it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-stream/internal/codec"
	"github.com/i5heu/ouroboros-stream/internal/reassembly"
	"github.com/i5heu/ouroboros-stream/internal/recorder"
	"github.com/i5heu/ouroboros-stream/internal/transport"
	"github.com/i5heu/ouroboros-stream/pkg/wire"
)

const (
	DefaultKeyPath     = "secret.key"
	DefaultBindAddress = "0.0.0.0"
	DefaultFPS         = 30
	DefaultWidth       = 640
	DefaultHeight      = 480
	DefaultSource      = "pattern"
	// DefaultChunkSize keeps header plus chunk inside a 1500 byte
	// Ethernet MTU.
	DefaultChunkSize = wire.DefaultMaxDatagramSize - wire.HeaderSize
)

// Role selects which side a Config is validated for.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Mode      string `yaml:"mode"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
	Loopback  bool   `yaml:"loopback"`
	TTL       int    `yaml:"ttl"`
	KeyPath   string `yaml:"key"`
	// Context binds sealed frames to one stream; both sides must agree.
	Context string `yaml:"context"`

	Quality         int     `yaml:"quality"`
	ChunkSize       int     `yaml:"chunkSize"`
	MaxDatagramSize int     `yaml:"maxDatagramSize"`
	FPS             float64 `yaml:"fps"`
	Source          string  `yaml:"source"`
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`

	Out         string        `yaml:"out"`
	Record      string        `yaml:"record"`
	RecordTTL   time.Duration `yaml:"recordTTL"`
	StaleWindow uint32        `yaml:"staleWindow"`
	MaxAge      time.Duration `yaml:"maxAge"`
	QueueDepth  int           `yaml:"queueDepth"`
	ReadBuffer  int           `yaml:"readBuffer"`

	Debug bool `yaml:"debug"`
}

// Default returns the settings used when neither file nor flag says
// otherwise.
func Default() Config { // A
	return Config{
		Mode:            string(transport.ModeUnicast),
		Group:           transport.DefaultGroup,
		TTL:             transport.DefaultTTL,
		KeyPath:         DefaultKeyPath,
		Quality:         codec.DefaultQuality,
		ChunkSize:       DefaultChunkSize,
		MaxDatagramSize: wire.DefaultMaxDatagramSize,
		FPS:             DefaultFPS,
		Source:          DefaultSource,
		Width:           DefaultWidth,
		Height:          DefaultHeight,
		RecordTTL:       recorder.DefaultTTL,
		StaleWindow:     reassembly.DefaultStaleWindow,
		QueueDepth:      transport.DefaultQueueDepth,
	}
}

// Load reads path on top of Default. An empty path returns Default.
func Load(path string) (Config, error) { // A
	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current value; unknown keys are an error.
func (c *Config) LoadFile(path string) error { // A
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks c for the given role.
func (c Config) Validate(role Role) error { // A
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
	}

	mode := transport.Mode(c.Mode)
	if mode != transport.ModeUnicast && mode != transport.ModeMulticast {
		return invalid("mode %q is neither unicast nor multicast", c.Mode)
	}
	if c.Port < 1 || c.Port > 65535 {
		return invalid("port %d out of range 1..65535", c.Port)
	}
	if c.KeyPath == "" {
		return invalid("key path is empty")
	}
	if c.MaxAge < 0 {
		return invalid("negative max age %s", c.MaxAge)
	}
	if mode == transport.ModeMulticast {
		if ip := net.ParseIP(c.Group); ip == nil || !ip.IsMulticast() {
			return invalid("group %q is not a multicast address", c.Group)
		}
		if c.TTL < 0 || c.TTL > 255 {
			return invalid("ttl %d out of range 0..255", c.TTL)
		}
	} else if c.Interface != "" || c.Loopback {
		return invalid("interface and loopback only apply to multicast")
	}
	if c.Interface != "" && net.ParseIP(c.Interface) == nil {
		return invalid("interface %q is not an IP address", c.Interface)
	}

	switch role {
	case RoleSender:
		return c.validateSender(invalid)
	case RoleReceiver:
		return c.validateReceiver(invalid)
	default:
		return invalid("unknown role %d", role)
	}
}

func (c Config) validateSender(invalid func(string, ...any) error) error { // A
	if c.Mode == string(transport.ModeUnicast) && c.Host == "" {
		return invalid("unicast sender needs a destination host")
	}
	if c.Quality < codec.MinQuality || c.Quality > codec.MaxQuality {
		return invalid("quality %d out of range %d..%d", c.Quality, codec.MinQuality, codec.MaxQuality)
	}
	if c.MaxDatagramSize <= wire.HeaderSize || c.MaxDatagramSize > wire.MaxUDPPayload {
		return invalid("max datagram size %d out of range %d..%d",
			c.MaxDatagramSize, wire.HeaderSize+1, wire.MaxUDPPayload)
	}
	if c.ChunkSize < 1 || wire.HeaderSize+c.ChunkSize > c.MaxDatagramSize {
		return invalid("chunk size %d out of range 1..%d",
			c.ChunkSize, c.MaxDatagramSize-wire.HeaderSize)
	}
	if c.FPS < 0 {
		return invalid("negative fps %v", c.FPS)
	}
	return nil
}

func (c Config) validateReceiver(invalid func(string, ...any) error) error { // A
	if c.Record != "" && c.RecordTTL < 0 {
		return invalid("negative record ttl %s", c.RecordTTL)
	}
	if c.QueueDepth < 0 {
		return invalid("negative queue depth %d", c.QueueDepth)
	}
	return nil
}

// Transport builds the socket configuration. Receivers bind to Host,
// or to every interface when it is empty.
func (c Config) Transport(role Role, logger *slog.Logger) transport.Config { // A
	addr := c.Host
	if role == RoleReceiver && addr == "" {
		addr = DefaultBindAddress
	}
	return transport.Config{
		Mode:            transport.Mode(c.Mode),
		Address:         addr,
		Port:            c.Port,
		Group:           c.Group,
		Interface:       c.Interface,
		Loopback:        c.Loopback,
		TTL:             c.TTL,
		MaxDatagramSize: c.MaxDatagramSize,
		ReadBufferSize:  c.ReadBuffer,
		QueueDepth:      c.QueueDepth,
		Logger:          logger,
	}
}
