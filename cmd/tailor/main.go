package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/tailor/internal/logging"
	"github.com/jbweber/tailor/internal/remote"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tailor",
	Short: "Tailor - Debian guest image customization tool",
	Long: `Tailor customizes installed Debian guest images through libvirt.

It boots the guest once, installs packages, uploads files and runs commands
over SSH, optionally records the installed package inventory, and then
reverts every change it made to the image to get there.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.Setup(logging.Options{
			Level: logLevel,
			JSON:  logFormat == "json",
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(customizeCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(testConnCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <path>",
	Short: "Generate the SSH keypair used to reach guests",
	Long: `Generate an RSA keypair at <path> and <path>.pub.

Customization runs regenerate the key on their own; this is for preparing a
key ahead of time or testing access by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if err := remote.GenerateKeyPair(path); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %s and %s\n", path, remote.PublicKeyPath(path))
		return nil
	},
}
