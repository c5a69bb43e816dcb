package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/derconn/pkg/registry"
)

// Device CRUD talks directly to the local BoltMockRegistry file under
// --data-dir, the same one `serve` reads from. Spec §4.7/§9 treats the
// real Storage capability as an external boundary this core does not
// define a wire protocol for, and the teacher's generated gRPC stubs
// (api/proto) were never present in the retrieval pack (see DESIGN.md) —
// there is no manager process to dial, so this is local file CRUD, not a
// stand-in client for a service that was never specified.

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices in the local registry store",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Register a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		dataDir, _ := cmd.Root().PersistentFlags().GetString("data-dir")
		siteID, _ := cmd.Flags().GetString("site")
		deviceType, _ := cmd.Flags().GetString("type")
		protocol, _ := cmd.Flags().GetString("protocol")
		connFile, _ := cmd.Flags().GetString("connection-file")

		var conn map[string]any
		if connFile != "" {
			data, err := os.ReadFile(connFile)
			if err != nil {
				return fmt.Errorf("read connection file: %w", err)
			}
			if filepath.Ext(connFile) == ".json" {
				if err := json.Unmarshal(data, &conn); err != nil {
					return fmt.Errorf("parse connection JSON: %w", err)
				}
			} else if err := yaml.Unmarshal(data, &conn); err != nil {
				return fmt.Errorf("parse connection YAML: %w", err)
			}
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return err
		}
		reg, err := registry.NewBoltMockRegistry(dataDir)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer reg.Close()

		if err := reg.Seed(registry.Device{
			ID: id, SiteID: siteID, DeviceType: deviceType, Protocol: protocol, Connection: conn,
		}); err != nil {
			return fmt.Errorf("seed device: %w", err)
		}

		fmt.Printf("device registered: %s (site=%s protocol=%s)\n", id, siteID, protocol)
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a device from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		dataDir, _ := cmd.Root().PersistentFlags().GetString("data-dir")

		reg, err := registry.NewBoltMockRegistry(dataDir)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer reg.Close()

		if err := reg.Remove(id); err != nil {
			return fmt.Errorf("remove device: %w", err)
		}
		fmt.Printf("device removed: %s\n", id)
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Root().PersistentFlags().GetString("data-dir")
		siteID, _ := cmd.Flags().GetString("site")

		reg, err := registry.NewBoltMockRegistry(dataDir)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer reg.Close()

		ctx := context.Background()
		var devices []registry.Device
		if siteID != "" {
			devices, err = reg.BySite(ctx, siteID)
		} else {
			devices, err = reg.All(ctx)
		}
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		if len(devices) == 0 {
			fmt.Println("no devices registered")
			return nil
		}

		fmt.Printf("%-20s %-15s %-15s %-10s\n", "ID", "SITE", "PROTOCOL", "TYPE")
		for _, d := range devices {
			fmt.Printf("%-20s %-15s %-15s %-10s\n", d.ID, d.SiteID, d.Protocol, d.DeviceType)
		}
		return nil
	},
}

func init() {
	deviceAddCmd.Flags().String("site", "", "Site ID (required)")
	deviceAddCmd.Flags().String("type", "", "Device type, e.g. ev_charger, heat_pump")
	deviceAddCmd.Flags().String("protocol", "", "Protocol family: modbus, ocpp, tcpip, eebus, gateway (required)")
	deviceAddCmd.Flags().String("connection-file", "", "YAML or JSON file with protocol-specific connection config")
	_ = deviceAddCmd.MarkFlagRequired("site")
	_ = deviceAddCmd.MarkFlagRequired("protocol")

	deviceListCmd.Flags().String("site", "", "Restrict listing to one site")

	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(deviceRemoveCmd)
	deviceCmd.AddCommand(deviceListCmd)
}
