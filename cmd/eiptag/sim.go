package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eiptag/plcsim"
)

var (
	simListen   string
	simSeed     string
	simSlot     int
	simPageSize int
	simConnSize int
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a simulated Logix controller",
	Long: `Serve a simulated controller that answers tag reads, writes and listing.
Tags come from a YAML seed file, or a built-in table without --seed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		seed := plcsim.DefaultSeed()
		if simSeed != "" {
			s, err := plcsim.LoadSeed(simSeed)
			if err != nil {
				return err
			}
			seed = s
		}

		opts := []plcsim.Option{plcsim.WithLogger(logger)}
		if simSlot >= 0 {
			opts = append(opts, plcsim.WithSlot(byte(simSlot)))
		}
		if simPageSize > 0 {
			opts = append(opts, plcsim.WithPageSize(simPageSize))
		}
		if simConnSize > 0 {
			opts = append(opts, plcsim.WithMaxConnectionSize(uint16(simConnSize)))
		}
		srv := plcsim.New(opts...)
		if err := seed.Apply(srv); err != nil {
			return err
		}
		logger.Info("simulator ready", zap.Int("tags", len(srv.TagNames())), zap.Int("slot", simSlot))

		if err := srv.Serve(cmd.Context(), simListen); err != nil {
			return fmt.Errorf("sim: %w", err)
		}
		st := srv.Stats()
		logger.Info("simulator stopped",
			zap.Int64("sessions", st.Sessions),
			zap.Int64("services", st.Services))
		return nil
	},
}

func init() {
	f := simCmd.Flags()
	f.StringVarP(&simListen, "listen", "l", "0.0.0.0:44818", "listen address")
	f.StringVar(&simSeed, "seed", "", "YAML file of tags to serve")
	f.IntVar(&simSlot, "slot", -1, "backplane slot routed requests must name (-1 = accept any)")
	f.IntVar(&simPageSize, "page-size", 0, "symbols per tag-list reply (0 = default)")
	f.IntVar(&simConnSize, "max-connection-size", 0, "largest Forward Open size granted (0 = default)")
}
