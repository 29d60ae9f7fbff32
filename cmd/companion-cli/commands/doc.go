// Package commands defines the companion-cli client.
//
// Commands
//
//   - identity init     Create the local client key
//   - identity export   Print the client key as a BIP-39 mnemonic
//   - identity import   Restore the client key from a mnemonic
//   - pair              Fetch a temp key from a companion and register with it
//   - upload            Ask the paired companion to pin a file
//
// Pairing and upload join the Waku network with their own node for the
// duration of the command.
package commands
