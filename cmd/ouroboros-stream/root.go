package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/i5heu/ouroboros-stream/internal/config"
	"github.com/i5heu/ouroboros-stream/pkg/envelope"
	"github.com/i5heu/ouroboros-stream/pkg/logging"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct { // A
	configPath string
	noColor    bool
	cfg        config.Config
}

func newRootCmd() *cobra.Command { // A
	opts := &rootOptions{cfg: config.Default()}

	root := &cobra.Command{
		Use:   "ouroboros-stream",
		Short: "Encrypted live image streaming over UDP",
		Long: `ouroboros-stream captures frames, compresses them to JPEG, seals each
frame with a pre-shared key and sends it as UDP datagrams, unicast or
multicast. The receiver reassembles, authenticates and displays them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file; flags override it")
	root.PersistentFlags().BoolVar(&opts.cfg.Debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored log output")

	root.AddCommand(newSendCmd(opts))
	root.AddCommand(newReceiveCmd(opts))
	root.AddCommand(newKeygenCmd())
	return root
}

// addLinkFlags registers the flags both directions understand.
func addLinkFlags(fs *pflag.FlagSet, cfg *config.Config) { // A
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "unicast or multicast")
	fs.StringVar(&cfg.Group, "group", cfg.Group, "multicast group address")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "local IP selecting the multicast interface")
	fs.BoolVar(&cfg.Loopback, "loopback", cfg.Loopback, "receive own multicast traffic")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "pre-shared key file")
	fs.StringVar(&cfg.Context, "context", cfg.Context, "stream label bound into every sealed frame")
}

// resolveConfig layers the config file under the flags the user set
// explicitly, then fills in the positional host and port.
func resolveConfig( // A
	cmd *cobra.Command,
	opts *rootOptions,
	host, port string,
	role config.Role,
) (config.Config, error) {
	// Flags share their storage with the config, so remember what the
	// user typed before the file overwrites it.
	explicit := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			explicit[f.Name] = f.Value.String()
		}
	})
	if err := opts.cfg.LoadFile(opts.configPath); err != nil {
		return config.Config{}, err
	}
	for name, value := range explicit {
		if err := cmd.Flags().Set(name, value); err != nil {
			return config.Config{}, fmt.Errorf("flag --%s: %w", name, err)
		}
	}

	cfg := opts.cfg
	if host != "" {
		cfg.Host = host
	}
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid port %q: %w", port, err)
		}
		cfg.Port = p
	}
	if err := cfg.Validate(role); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, opts *rootOptions, cfg config.Config) *slog.Logger { // A
	return logging.New(logging.Options{
		Level:   logging.LevelFor(cfg.Debug),
		NoColor: opts.noColor,
		Writer:  cmd.ErrOrStderr(),
	})
}

// openEnvelope loads the key file and builds the frame envelope.
func openEnvelope(cfg config.Config, withMaxAge bool) (*envelope.Envelope, error) { // A
	key, err := envelope.LoadKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	var eopts []envelope.Option
	if cfg.Context != "" {
		eopts = append(eopts, envelope.WithContext(cfg.Context))
	}
	if withMaxAge && cfg.MaxAge > 0 {
		eopts = append(eopts, envelope.WithMaxAge(cfg.MaxAge))
	}
	return envelope.New(key, eopts...)
}
