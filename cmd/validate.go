package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/datalink"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the configuration (file, environment and defaults), validate it and
print the effective result as YAML.

Examples:
  netstack validate -c netstack.yaml
  NETSTACK_NODE_LOCAL_IP=10.0.0.5 netstack validate --local-ip 10.0.0.5`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		if err := runValidate(cfg, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(cfg *config.GlobalConfig, out io.Writer) error {
	known := false
	for _, name := range datalink.Names() {
		if name == cfg.Datalink.Type {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("datalink.type %q is not one of %v", cfg.Datalink.Type, datalink.Names())
	}

	data, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(out, "VALID: %s/%s on %s device\n", cfg.Node.LocalIP, cfg.Node.SubnetMask, cfg.Datalink.Type)
	_, err = out.Write(data)
	return err
}
