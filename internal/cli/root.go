// Package cli implements the classcache command line tool used to inspect,
// verify and maintain a cache root.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/classcache/internal/config"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Version is set at build time.
var Version = "dev"

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	v *viper.Viper
}

// NewRootCommand builds the classcache command tree. Each call uses its own
// viper instance.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "classcache",
		Short:         "Inspect and maintain a transformation cache",
		Long:          `classcache inspects, verifies and maintains the on-disk state of a classcache root.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringP("cache-root", "r", "", "Cache root directory")
	root.PersistentFlags().StringP("log-level", "l", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")

	_ = a.v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = a.v.BindPFlag("cache_root", root.PersistentFlags().Lookup("cache-root"))
	_ = a.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	a.v.SetEnvPrefix("CLASSCACHE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.inspectCommand(),
		a.verifyCommand(),
		a.predictCommand(),
		a.clearCommand(),
		a.runCommand(),
	)
	return root
}

// configuration loads the file and environment layers and applies the
// command line overrides on top.
func (a *app) configuration() (*config.Configuration, error) {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if root := a.v.GetString("cache_root"); root != "" {
		cfg.Global.CacheRoot = root
	}
	if level := a.v.GetString("log_level"); level != "" {
		cfg.Global.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) logger(cfg *config.Configuration, w io.Writer) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(cfg.Global.LogFormat)
	if err != nil {
		return nil, err
	}
	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = w
	return utils.NewStructuredLogger(lc)
}

func printf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
