package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/tailor/internal/libvirt"
)

var testConnSocket string

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Testing libvirt connection...")

		client, err := libvirt.Connect(testConnSocket, libvirt.DefaultTimeout)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Printf("✓ Connected to libvirt daemon at %s\n", client.Socket())

		version, err := client.Ping()
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Printf("✓ Libvirt version: %s\n", libvirt.FormatVersion(version))

		hostname, err := client.Libvirt().ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		fmt.Printf("✓ Hypervisor hostname: %s\n", hostname)

		fmt.Println("\nConnection test successful!")
		return nil
	},
}

func init() {
	testConnCmd.Flags().StringVar(&testConnSocket, "socket", libvirt.DefaultSocket, "Path to the libvirt socket")
}
