package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"eiptag/brokertest"
	"eiptag/config"
	"eiptag/registry"
)

var benchCfg = brokertest.DefaultTestConfig()

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Stress-test the configured sinks with synthetic tag changes",
	Long: `Publish synthetic tag changes to every enabled MQTT, Valkey and Kafka sink
under the "` + brokertest.Namespace + `" namespace and report throughput and latency.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Namespace: brokertest.Namespace,
			MQTT:      appConfig.MQTT,
			Valkey:    appConfig.Valkey,
			Kafka:     appConfig.Kafka,
		}
		// An empty registry leaves MQTT write-back without writers.
		sinks, stop := startSinks(cmd.Context(), cfg, registry.New(registry.WithLogger(logger)))
		defer stop()

		results := brokertest.NewRunner(sinks, benchCfg, cmd.OutOrStdout()).Run(cmd.Context())
		for _, r := range results {
			if !r.Success {
				return fmt.Errorf("sink %s failed", r.Sink)
			}
		}
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.DurationVarP(&benchCfg.Duration, "duration", "d", benchCfg.Duration, "how long to stress each sink")
	f.IntVar(&benchCfg.NumPLCs, "plcs", benchCfg.NumPLCs, "simulated PLCs")
	f.IntVar(&benchCfg.NumTags, "tags", benchCfg.NumTags, "simulated tags per PLC")
	f.IntVarP(&benchCfg.Workers, "workers", "w", benchCfg.Workers, "concurrent publishers per sink")
	rootCmd.AddCommand(benchCmd)
}
