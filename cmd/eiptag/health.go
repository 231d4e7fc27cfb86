package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eiptag/registry"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that controllers answer",
	Long: `Connect to the selected controller, or to every enabled PLC in the config,
and probe each one. Exits non-zero when any controller is unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := selectTargets(appConfig, plcName, address)
		if err != nil {
			return err
		}
		reg := registry.New(registry.WithLogger(logger))
		defer reg.Close()
		for _, t := range targets {
			if _, err := reg.RegisterNamed(t.name, t.ep, t.opts...); err != nil {
				return err
			}
		}
		if err := reg.ConnectAll(cmd.Context()); err != nil {
			logger.Warn("connect", zap.Error(err))
		}
		reg.CheckAll(cmd.Context())

		out := cmd.OutOrStdout()
		unhealthy := 0
		for _, id := range reg.IDs() {
			name, _ := reg.Name(id)
			h, err := reg.Health(id)
			if err != nil {
				return err
			}
			state := "healthy"
			if !h.Healthy {
				state = "UNHEALTHY"
				unhealthy++
			}
			fmt.Fprintf(out, "%-20s %-10s latency=%s failures=%d\n",
				name, state, h.Latency.Round(time.Microsecond), h.ConsecutiveFailures)
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d of %d controllers unhealthy", unhealthy, reg.Len())
		}
		return nil
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show the controller's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, t, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		id, err := c.Identity(cmd.Context())
		if err != nil {
			return fmt.Errorf("identity %s: %w", t.name, err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Product:   %s\n", id.ProductName)
		fmt.Fprintf(out, "Vendor:    %s (%d)\n", id.VendorName(), id.VendorID)
		fmt.Fprintf(out, "Type:      %s\n", id.DeviceTypeName())
		fmt.Fprintf(out, "Code:      %d\n", id.ProductCode)
		fmt.Fprintf(out, "Revision:  %s\n", id.Revision())
		fmt.Fprintf(out, "Serial:    %08X\n", id.SerialNumber)
		fmt.Fprintf(out, "Status:    0x%04X\n", id.Status)
		fmt.Fprintf(out, "Address:   %s\n", t.ep)
		connected, size := c.ConnectionInfo()
		if connected {
			fmt.Fprintf(out, "Mode:      %s (%d bytes)\n", c.ConnectionMode(), size)
		} else {
			fmt.Fprintf(out, "Mode:      %s\n", c.ConnectionMode())
		}
		return nil
	},
}
