package cmd

import (
	"strings"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Continuum imaging pipeline daemon",
	Long: `Meridian ingests subband captures from the correlator, assembles them into
observation groups, and drives each group through the continuum imaging
pipeline: convert, flag, calibrate, apply, image, mosaic, publish.

'meridian serve' runs the daemon. The remaining commands talk to a running
daemon over its control-plane HTTP API (control_url).`,
	SilenceUsage: true,
}

// exitError carries the process exit code a run function chose for its
// failure. Errors without one came from cobra's own flag and argument
// parsing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// fail marks err as a generic runtime failure (exit code 1).
func fail(err error) error { return &exitError{code: 1, err: err} }

// unreachable marks err as a control-plane connection failure (exit code 3).
func unreachable(err error) error { return &exitError{code: 3, err: err} }

// Execute runs the root command and returns the process exit code:
// 0 success, 1 runtime failure, 2 usage error, 3 control plane unreachable.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 2
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.meridian/meridian.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so every option resolves even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("meridian")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MERIDIAN")
	// Replace dots with underscores for nested keys in env vars,
	// e.g. MERIDIAN_STAGE_TIMEOUT_S_IMAGE for stage_timeout_s.image
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (env vars and defaults still apply)
	_ = viper.ReadInConfig()
}
