package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/i5heu/ouroboros-stream/internal/config"
	"github.com/i5heu/ouroboros-stream/pkg/envelope"
)

func newKeygenCmd() *cobra.Command { // A
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a pre-shared key file",
		Long: `keygen writes a fresh 256-bit key as URL-safe base64. Copy the file to
both ends of the stream over a trusted channel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := envelope.GenerateKey()
			if err != nil {
				return err
			}
			if err := envelope.SaveKey(out, key, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", config.DefaultKeyPath, "key file to create")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
