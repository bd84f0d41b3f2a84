// Command hrsyncd runs the offline operation queue as a local daemon and
// provides a small CLI for inspecting it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "hrsyncd",
	Short: "Offline operation queue and background sync for the HR app",
	Long: `hrsyncd stores state-changing HR requests while the device is offline and
delivers them to the backend when connectivity returns.

The serve command runs the daemon. status and clear talk to a running daemon
over its local control API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("HRSYNC_CONFIG"), "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "control API address of a running daemon (default: listen address from config)")

	rootCmd.AddCommand(serveCmd, statusCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
