package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/i5heu/ouroboros-stream/internal/codec"
	"github.com/i5heu/ouroboros-stream/internal/config"
	"github.com/i5heu/ouroboros-stream/internal/pipeline"
	"github.com/i5heu/ouroboros-stream/internal/recorder"
	"github.com/i5heu/ouroboros-stream/internal/sink"
	"github.com/i5heu/ouroboros-stream/internal/transport"
)

func newReceiveCmd(opts *rootOptions) *cobra.Command { // A
	cmd := &cobra.Command{
		Use:   "receive <port>",
		Short: "Receive, decrypt and display frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts, "", args[0], config.RoleReceiver)
			if err != nil {
				return err
			}
			return runReceive(cmd.Context(), cfg, newLogger(cmd, opts, cfg))
		},
	}

	cfg := &opts.cfg
	fs := cmd.Flags()
	addLinkFlags(fs, cfg)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "bind address (default 0.0.0.0)")
	fs.StringVar(&cfg.Out, "out", cfg.Out, "write the latest frame to this JPEG file")
	fs.StringVar(&cfg.Record, "record", cfg.Record, "record frames into this badger directory")
	fs.DurationVar(&cfg.RecordTTL, "record-ttl", cfg.RecordTTL, "how long recorded frames are kept")
	fs.Uint32Var(&cfg.StaleWindow, "stale-window", cfg.StaleWindow, "frame ids behind the newest that are dropped as stale")
	fs.DurationVar(&cfg.MaxAge, "max-age", cfg.MaxAge, "reject frames sealed longer ago than this; 0 disables")
	fs.IntVar(&cfg.QueueDepth, "queue", cfg.QueueDepth, "datagrams buffered between socket and reassembly")
	fs.IntVar(&cfg.ReadBuffer, "read-buffer", cfg.ReadBuffer, "socket receive buffer in bytes; 0 keeps the OS default")
	return cmd
}

// openSinks builds the display chain from the config. With neither
// --out nor --record frames are decoded and discarded.
func openSinks(cfg config.Config, logger *slog.Logger) (sink.Sink, error) { // A
	var sinks sink.Multi
	if cfg.Out != "" {
		fs, err := sink.NewFileSink(cfg.Out)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Record != "" {
		rec, err := recorder.Open(recorder.Config{
			Path:   cfg.Record,
			TTL:    cfg.RecordTTL,
			Logger: logger,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, rec)
	}
	if len(sinks) == 0 {
		return sink.Discard{}, nil
	}
	return sinks, nil
}

func runReceive(ctx context.Context, cfg config.Config, logger *slog.Logger) error { // A
	env, err := openEnvelope(cfg, true)
	if err != nil {
		return err
	}
	jpg, err := codec.NewJPEG(codec.DefaultQuality)
	if err != nil {
		return err
	}
	out, err := openSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error("closing sinks", logKeyError, err)
		}
	}()

	conn, err := transport.Listen(cfg.Transport(config.RoleReceiver, logger))
	if err != nil {
		return err
	}
	defer conn.Close()

	receiver, err := pipeline.NewReceiver(pipeline.ReceiverConfig{
		Opener:      env,
		Codec:       jpg,
		Sink:        out,
		StaleWindow: cfg.StaleWindow,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "receiving",
		logKeyMode, cfg.Mode,
		logKeyAddress, conn.LocalAddr().String(),
		logKeyKeyPath, cfg.KeyPath,
		logKeyOut, cfg.Out,
		logKeyRecord, cfg.Record)

	if err := receiver.Run(ctx, conn.Pump(ctx)); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}

	st := receiver.Stats()
	logger.Info("receiver stopped",
		logKeyShown, st.Shown,
		logKeyRejected, st.Rejected,
		logKeyUndecodable, st.Undecodable,
		logKeySuperseded, st.Reassembly.Superseded,
		logKeyMalformed, st.Reassembly.Malformed,
		logKeyStale, st.Reassembly.Stale,
		logKeyDropped, conn.Dropped())
	return nil
}
