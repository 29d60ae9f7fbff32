package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cloud-companion/companion/internal/client"
	"cloud-companion/companion/internal/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the client key",
	}
	cmd.AddCommand(identityInitCmd(), identityExportCmd(), identityImportCmd())
	return cmd
}

func identityInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the client key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(identityPath); err == nil && !force {
				return fmt.Errorf("identity %s already exists; use --force to rotate", identityPath)
			}
			key, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			if err := client.SaveIdentity(identityPath, passphrase, client.NewIdentityFile(key)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", identity.Fingerprint(identity.PublicKeyBytes(key)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func identityExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the client key as a 24-word mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := client.LoadIdentity(identityPath, passphrase)
			if err != nil {
				return err
			}
			key, err := f.Key()
			if err != nil {
				return err
			}
			words, err := identity.ExportMnemonic(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), words)
			return nil
		},
	}
}

func identityImportCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import [words...]",
		Short: "Restore the client key from a mnemonic (read from stdin when no words are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic := strings.Join(args, " ")
			if mnemonic == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return identity.ErrMnemonicRequired
				}
				mnemonic = line
			}
			key, err := identity.ImportMnemonic(mnemonic)
			if err != nil {
				return err
			}
			if _, err := os.Stat(identityPath); err == nil && !force {
				return errors.New("identity already exists; use --force to overwrite")
			}
			if err := client.SaveIdentity(identityPath, passphrase, client.NewIdentityFile(key)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", identity.Fingerprint(identity.PublicKeyBytes(key)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
