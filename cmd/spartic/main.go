// Command spartic runs a Spartic node: a local identity participating
// in one or more synchronized-keystream anonymity groups.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "spartic",
		Short:   "Spartic - synchronized-keystream group anonymity node",
		Version: version,
		Long: `Spartic runs a node in an N-party anonymity group where every
member's traffic is XORed against a keystream synchronized from
pairwise shared secrets, so that a single sender's message leaves the
group with every member's output rendered identical ciphertext.`,
	}

	root.AddCommand(keygenCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())

	return root
}
