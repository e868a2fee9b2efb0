package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/i5heu/ouroboros-stream/internal/codec"
	"github.com/i5heu/ouroboros-stream/internal/config"
	"github.com/i5heu/ouroboros-stream/internal/fragment"
	"github.com/i5heu/ouroboros-stream/internal/pipeline"
	"github.com/i5heu/ouroboros-stream/internal/source"
	"github.com/i5heu/ouroboros-stream/internal/transport"
)

func newSendCmd(opts *rootOptions) *cobra.Command { // A
	cmd := &cobra.Command{
		Use:   "send <host> <port>",
		Short: "Capture, encrypt and stream frames",
		Long: `send streams frames to <host>:<port>. In multicast mode <host> is ignored
and frames go to --group:<port>; pass "-" as host.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			if host == "-" {
				host = ""
			}
			cfg, err := resolveConfig(cmd, opts, host, args[1], config.RoleSender)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), cfg, newLogger(cmd, opts, cfg))
		},
	}

	cfg := &opts.cfg
	fs := cmd.Flags()
	addLinkFlags(fs, cfg)
	fs.IntVar(&cfg.TTL, "ttl", cfg.TTL, "multicast hop limit")
	fs.IntVar(&cfg.Quality, "quality", cfg.Quality, "JPEG quality 1..100")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "payload bytes per datagram, header excluded")
	fs.IntVar(&cfg.MaxDatagramSize, "max-datagram", cfg.MaxDatagramSize, "largest datagram, header included")
	fs.Float64Var(&cfg.FPS, "fps", cfg.FPS, "capture rate; 0 sends as fast as possible")
	fs.StringVar(&cfg.Source, "source", cfg.Source, `frame source: "pattern" or "dir:<path>"`)
	fs.IntVar(&cfg.Width, "width", cfg.Width, "pattern width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "pattern height")
	return cmd
}

func runSend(ctx context.Context, cfg config.Config, logger *slog.Logger) error { // A
	env, err := openEnvelope(cfg, false)
	if err != nil {
		return err
	}
	jpg, err := codec.NewJPEG(cfg.Quality)
	if err != nil {
		return err
	}
	src, err := source.Open(cfg.Source, cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	defer src.Close()

	conn, err := transport.Dial(cfg.Transport(config.RoleSender, logger))
	if err != nil {
		return err
	}
	defer conn.Close()

	// A random first id keeps a restarted sender from landing inside the
	// receiver's stale window.
	firstID := rand.Uint32()
	frag, err := fragment.New(conn, cfg.ChunkSize, firstID)
	if err != nil {
		return err
	}
	sender, err := pipeline.NewSender(pipeline.SenderConfig{
		Source:     src,
		Codec:      jpg,
		Sealer:     env,
		Fragmenter: frag,
		FPS:        cfg.FPS,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "sending",
		logKeyMode, cfg.Mode,
		logKeyAddress, cfg.Host,
		logKeyPort, cfg.Port,
		logKeyKeyPath, cfg.KeyPath,
		logKeySource, cfg.Source,
		logKeyQuality, cfg.Quality,
		logKeyChunkSize, cfg.ChunkSize,
		logKeyFPS, cfg.FPS,
		logKeyFirstID, firstID)

	if err := sender.Run(ctx); err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	st := sender.Stats()
	logger.Info("sender stopped",
		logKeySent, st.Sent,
		logKeyCaptureErrs, st.CaptureErrors,
		logKeySendErrs, st.SendErrors,
		logKeyOversize, st.Oversize)
	return nil
}
