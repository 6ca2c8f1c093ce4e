package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/interfect/spartic/internal/identity"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func keygenCmd() *cobra.Command {
	var seedFile string
	var fromPassphrase bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a local identity seed",
		Long: `Generate the 32-byte seed spartic derives its long-term identity
from (spec.md §6). Persistence is an external-keystore concern the
protocol itself has no opinion on; this command just picks a seed and,
if --seed-file is given, writes it there hex-encoded for the config
file's identity.seed_file to pick up.

By default the seed comes from the system random source. --from-passphrase
instead derives it from an interactively-entered passphrase (hashed with
SHA-256), so the same passphrase always reproduces the same identity --
useful for re-deriving a lost seed file from memory, at the cost of
whatever entropy the passphrase itself has.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed [identity.SeedSize]byte

			if fromPassphrase {
				fmt.Fprint(os.Stderr, "Enter passphrase: ")
				pass1, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read passphrase: %w", err)
				}

				fmt.Fprint(os.Stderr, "Confirm passphrase: ")
				pass2, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}

				if string(pass1) != string(pass2) {
					return fmt.Errorf("passphrases do not match")
				}
				if len(pass1) == 0 {
					return fmt.Errorf("passphrase must not be empty")
				}

				seed = sha256.Sum256(pass1)
			} else {
				id, err := identity.GenerateIdentity()
				if err != nil {
					return fmt.Errorf("generate identity: %w", err)
				}
				seed = id.Seed
			}

			id, err := identity.IdentityFromSeed(seed)
			if err != nil {
				return fmt.Errorf("derive identity: %w", err)
			}

			encoded := hex.EncodeToString(seed[:])
			if seedFile != "" {
				if err := os.WriteFile(seedFile, []byte(encoded), 0o600); err != nil {
					return fmt.Errorf("write seed file: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seed written to %s\n", seedFile)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Seed: %s\n", encoded)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", id.PubKey().String())

			return nil
		},
	}

	cmd.Flags().StringVarP(&seedFile, "seed-file", "o", "", "write the hex seed to this file instead of stdout")
	cmd.Flags().BoolVar(&fromPassphrase, "from-passphrase", false, "derive the seed from an interactively-entered passphrase")

	return cmd
}
