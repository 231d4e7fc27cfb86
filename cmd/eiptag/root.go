package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eiptag/config"
	"eiptag/eip"
	"eiptag/logging"
	"eiptag/logix"
)

var (
	cfgFile  string
	logLevel string
	plcName  string
	address  string

	logger    = zap.NewNop()
	appConfig = config.DefaultConfig()
	closeLog  = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:           "eiptag",
	Short:         "Logix tag client for EtherNet/IP",
	Long:          "Read, write, discover and watch tags on Allen-Bradley Logix controllers over EtherNet/IP.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		l, closeFn, err := logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		logging.SetLogger(l)
		logger, appConfig, closeLog = l, cfg, closeFn
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default searches ./, ~/.eiptag, /etc/eiptag)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVarP(&plcName, "plc", "p", "", "name of a PLC from the config file")
	pf.StringVarP(&address, "address", "a", "", "controller address host[:port], bypassing the config file")

	rootCmd.AddCommand(readCmd, writeCmd, discoverCmd, healthCmd, identityCmd, watchCmd, simCmd)
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if cerr := closeLog(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// target is one controller picked by --address or --plc.
type target struct {
	name string
	ep   eip.Endpoint
	opts []logix.Option
}

// selectTargets resolves the flags into controllers. --address wins over
// --plc; with neither, every enabled PLC in the config is returned.
func selectTargets(cfg *config.Config, plc, addr string) ([]target, error) {
	if addr != "" {
		ep, err := eip.ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		return []target{{name: addr, ep: ep}}, nil
	}
	var plcs []config.PLCConfig
	if plc != "" {
		p := cfg.FindPLC(plc)
		if p == nil {
			return nil, fmt.Errorf("PLC %q not found in config", plc)
		}
		plcs = []config.PLCConfig{*p}
	} else {
		plcs = cfg.EnabledPLCs()
	}
	if len(plcs) == 0 {
		return nil, errors.New("no PLC selected: use --address or --plc, or enable one in the config")
	}

	out := make([]target, 0, len(plcs))
	for i := range plcs {
		ep, err := plcs[i].Endpoint()
		if err != nil {
			return nil, fmt.Errorf("PLC %s: %w", plcs[i].Name, err)
		}
		out = append(out, target{name: plcs[i].Name, ep: ep, opts: plcs[i].ClientOptions()})
	}
	return out, nil
}

// selectTarget is selectTargets for commands that talk to one controller.
func selectTarget(cfg *config.Config, plc, addr string) (target, error) {
	ts, err := selectTargets(cfg, plc, addr)
	if err != nil {
		return target{}, err
	}
	if len(ts) > 1 {
		return target{}, fmt.Errorf("%d PLCs enabled: pick one with --plc", len(ts))
	}
	return ts[0], nil
}

// connect opens a client to the selected controller. Callers disconnect it.
func connect(ctx context.Context) (*logix.Client, target, error) {
	t, err := selectTarget(appConfig, plcName, address)
	if err != nil {
		return nil, t, err
	}
	c := logix.NewClient(t.ep, append(t.opts, logix.WithLogger(logger))...)
	if err := c.Connect(ctx); err != nil {
		return nil, t, fmt.Errorf("connect %s: %w", t.name, err)
	}
	logger.Debug("connected", zap.String("plc", t.name), zap.String("mode", c.ConnectionMode()))
	return c, t, nil
}
