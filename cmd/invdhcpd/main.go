// invdhcpd serves DHCPv4 leases straight from the asset inventory: a
// hardware address is mapped to the host that owns it and offered that
// host's assigned address.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultConfigPath = "/etc/invdhcpd/config.toml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "invdhcpd",
		Short:         "Inventory-backed DHCPv4 server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newInventoryCommand(),
		newHashTokenCommand(),
	)
	return root
}
