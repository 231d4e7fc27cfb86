package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eiptag/eip"
)

var (
	scanBroadcast string
	scanWait      time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find EtherNet/IP devices on the local network",
	Long:  "Broadcast ListIdentity over UDP and list every device that answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := eip.Browse(cmd.Context(), scanBroadcast, scanWait)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range ids {
			fmt.Fprintf(out, "%-15s %-22s %-32s rev %-8s serial %08X\n",
				id.IP, id.VendorName(), id.ProductName, id.Revision(), id.SerialNumber)
		}
		fmt.Fprintf(out, "%d device(s)\n", len(ids))
		return nil
	},
}

func init() {
	f := scanCmd.Flags()
	f.StringVarP(&scanBroadcast, "broadcast", "b", "255.255.255.255", "IPv4 broadcast address to probe")
	f.DurationVarP(&scanWait, "wait", "w", 2*time.Second, "how long to collect replies")
	rootCmd.AddCommand(scanCmd)
}
