package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cloud-companion/companion/internal/client"
)

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [file]",
		Short: "Ask the paired companion to pin a file and print its CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			f, err := client.LoadIdentity(identityPath, passphrase)
			if err != nil {
				return err
			}
			companionPub, err := f.Companion()
			if err != nil {
				return fmt.Errorf("%w: run pair first", err)
			}
			s, err := openSession(ctx, f, companionPub)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.client.UploadFile(ctx, data)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
