// Command checkertest runs a checker against a single target outside the game,
// either through the test suites or as a plain simulation of a few ticks.
//
//	checkertest 10.0.0.5 --config checkers/notes.toml
//	checkertest 10.0.0.5 --checker web --test basic,missing
//	checkertest 10.0.0.5 --config checkers/notes.toml run --ticks 20
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"gameserver/engine/checker"
	_ "gameserver/engine/checks"
)

var (
	checkerName    string
	configPath     string
	tests          []string
	timeout        time.Duration
	connectTimeout time.Duration
	pause          time.Duration
	logLevel       string
	ticks          int
)

var errTestsFailed = errors.New("tests failed")

var rootCmd = &cobra.Command{
	Use:           "checkertest [target]",
	Short:         "Test a checker against a vulnerable service",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
		return nil
	},
	RunE: runTests,
}

var runCmd = &cobra.Command{
	Use:   "run [target]",
	Short: "Simulate ticks against the target and summarise the outcomes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSimulation,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&checkerName, "checker", "", "registered checker name (overrides the config)")
	flags.StringVar(&configPath, "config", "", "service config file, TOML or YAML")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "timeout of a single checker call")
	flags.DurationVar(&connectTimeout, "connect-timeout", 7*time.Second, "timeout of a single network operation")
	flags.DurationVar(&pause, "pause", time.Second, "wait between simulated ticks")
	flags.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringSliceVar(&tests, "test", nil, "tests to run (default all)")
	runCmd.Flags().IntVar(&ticks, "ticks", 10, "number of ticks to simulate")
	rootCmd.AddCommand(runCmd)
}

// serviceConfig resolves the checker under test from --config and --checker.
func serviceConfig() (checker.ServiceConfig, error) {
	var cfg checker.ServiceConfig
	if configPath != "" {
		loaded, err := checker.LoadServiceConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if checkerName != "" {
		cfg.Checker = checkerName
		if cfg.Name == "" {
			cfg.Name = checkerName
		}
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("no checker given, use --config or --checker (registered: %v)", checker.Registered())
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, args []string) (*driver, error) {
	target := "127.0.0.1"
	if len(args) > 0 {
		target = args[0]
	}
	cfg, err := serviceConfig()
	if err != nil {
		return nil, err
	}
	d, err := newDriver(cfg, target, cmd.OutOrStdout(), driverOptions{
		Timeout:        timeout,
		ConnectTimeout: connectTimeout,
		Pause:          pause,
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(d.out, "[OK]  Checker %q created, testing against %s as team %d\n", cfg.CheckerName(), target, d.team.ID)
	return d, nil
}

func runTests(cmd *cobra.Command, args []string) error {
	selected, err := selectSuites(tests)
	if err != nil {
		return err
	}
	d, err := setup(cmd, args)
	if err != nil {
		return err
	}
	if failed := runSuites(cmd.Context(), d, selected); failed > 0 {
		return fmt.Errorf("%w: %d of %d", errTestsFailed, failed, len(selected))
	}
	return nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	if ticks < 1 {
		return fmt.Errorf("--ticks must be at least 1")
	}
	d, err := setup(cmd, args)
	if err != nil {
		return err
	}
	return simulate(cmd.Context(), d, ticks)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errTestsFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
