package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seedkeeper/seedkeeper/pkg/config"
	"github.com/seedkeeper/seedkeeper/pkg/version"
)

const (
	exitOK          = 0
	exitRuntime     = 1
	exitUsage       = 64
	exitConfigError = 65
	exitUnavailable = 69
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(viper.New(), stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		var coded *exitError
		if errors.As(err, &coded) {
			return coded.code
		}
		return exitUsage
	}
	return exitOK
}

func newRootCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "seedkeeper",
		Short:         "Offer-based scheduler for seed-bootstrapped database clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String("config", config.DefaultConfigPath, "path to configuration file")
	flags.String("log-level", "", "override log.level (debug, info, warn, error)")
	flags.String("log-format", "", "override log.format (json, console)")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	v.SetEnvPrefix("SEEDKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newRunCmd(v),
		newValidateCmd(v),
		newStatusCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration file named by viper and applies
// flag and environment overrides before validating the result.
func loadConfig(v *viper.Viper) (*config.Config, string, error) {
	path := v.GetString("config")
	if path == "" {
		path = config.DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if s := strings.TrimSpace(v.GetString("log.level")); s != "" {
		cfg.Log.Level = strings.ToLower(s)
	}
	if s := strings.TrimSpace(v.GetString("log.format")); s != "" {
		cfg.Log.Format = strings.ToLower(s)
	}
	if s := strings.TrimSpace(v.GetString("api.listen")); s != "" {
		cfg.API.Listen = s
	}
	if s := strings.TrimSpace(v.GetString("instance_name")); s != "" {
		cfg.InstanceName = s
	}
	if s := strings.TrimSpace(v.GetString("state.etcd_endpoints")); s != "" {
		cfg.State.EtcdEndpoints = splitList(s)
	}
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(v)
			if err != nil {
				return withCode(exitConfigError, fmt.Errorf("configuration invalid: %w", err))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration at %s is valid\n", path)
			fmt.Fprintf(out, "  cluster: %s (framework %s)\n", cfg.ClusterName, cfg.FrameworkName)
			fmt.Fprintf(out, "  seeds: %d, node cap: %s\n", cfg.SeedCount, nodeCap(cfg.NodeCount))
			fmt.Fprintf(out, "  state backend: %s\n", cfg.State.Backend)
			fmt.Fprintf(out, "  leader election: %v\n", cfg.LeaderElection.Enabled)
			return nil
		},
	}
}

func nodeCap(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}
