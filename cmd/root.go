// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/config"
)

var (
	// Global flags
	configFile string
	localIP    string
	subnetMask string
	gateway    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netstack",
	Short: "netstack - interrupt-driven Ethernet/ARP/IPv4/ICMP stack",
	Long: `netstack is a small layered network stack (Ethernet, ARP, IPv4, ICMP echo)
driven by interrupt-style device callbacks.

It runs on any registered datalink device. The built-in "sim" device simulates a
MAC+PHY and the hosts on its segment, so the whole stack can be exercised on a host.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults plus the address flags when empty)")
	rootCmd.PersistentFlags().StringVar(&localIP, "local-ip", "",
		"local IPv4 address when no config file is given")
	rootCmd.PersistentFlags().StringVar(&subnetMask, "mask", "255.255.255.0",
		"subnet mask when no config file is given")
	rootCmd.PersistentFlags().StringVar(&gateway, "gateway", "",
		"default gateway when no config file is given")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig reads the config file, or builds one from defaults and flags.
func loadConfig() (*config.GlobalConfig, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.Default(localIP, subnetMask, gateway)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
