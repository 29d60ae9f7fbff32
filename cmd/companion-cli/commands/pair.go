package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"cloud-companion/companion/internal/client"
	"cloud-companion/companion/internal/identity"
)

func pairCmd() *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "pair [name]",
		Short: "Register this client with a companion",
		Long: "Fetches the pending temp key from the companion HTTP API (or uses --key) " +
			"and sends a signed registration on its topic.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "companion-cli"
			if len(args) == 1 {
				name = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			f, created, err := loadOrCreateIdentity()
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "created identity %s\n", identityPath)
			}

			var companionPub []byte
			if keyHex != "" {
				companionPub, err = identity.ParsePublicKeyHex(keyHex)
			} else {
				companionPub, err = fetchTempKey(ctx)
			}
			if err != nil {
				return fmt.Errorf("companion key: %w", err)
			}

			s, err := openSession(ctx, f, companionPub)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.client.Pair(ctx, name); err != nil {
				return fmt.Errorf("pair: %w", err)
			}

			f.CompanionPublicKey = companionPub
			if err := client.SaveIdentity(identityPath, passphrase, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paired as %s with companion %s\n",
				identity.Fingerprint(s.client.PublicKey()), identity.Fingerprint(companionPub))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "companion temp public key (hex); skips the HTTP lookup")
	return cmd
}
