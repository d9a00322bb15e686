package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/invdhcp/invdhcpd/internal/config"
	"github.com/invdhcp/invdhcpd/internal/inventory"
)

func newInventoryCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Work with the inventory store offline",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Import a TOML inventory seed into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(cfg *config.Config, store *inventory.Store) error {
				res, err := store.ImportFile(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d written, %d pruned, %d records total\n",
					args[0], res.Written, res.Pruned, store.Count())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup MAC",
		Short: "Show the hosts DHCP would match for a hardware address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mac, err := inventory.NormalizeMAC(args[0])
			if err != nil {
				return err
			}
			return withStore(configPath, func(cfg *config.Config, store *inventory.Store) error {
				return lookup(cmd, cfg, store, mac)
			})
		},
	})
	return cmd
}

func withStore(configPath string, fn func(*config.Config, *inventory.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := inventory.NewStore(cfg.Inventory.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func lookup(cmd *cobra.Command, cfg *config.Config, store *inventory.Store, mac string) error {
	portKey := inventory.PortKey(cfg.Policy.PrimaryPort)
	primary, err := store.Query(cmd.Context(), inventory.PortMACQuery(portKey, cfg.PortNumber(), mac))
	if err != nil {
		return err
	}
	management, err := store.Query(cmd.Context(), inventory.ManagementQuery(portKey, cfg.PortNumber(), mac))
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
		"mac":        mac,
		"primary":    primary,
		"management": management,
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
