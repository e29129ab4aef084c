package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/procmaster/procmaster/pkg/supervisor"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE:  showConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// effectiveConfig is the YAML view of a resolved configuration.
type effectiveConfig struct {
	Scope       string `yaml:"scope"`
	Workers     int    `yaml:"workers"`
	WorkersFrom string `yaml:"workers_from"`
	KillOnError bool   `yaml:"kill_on_error"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

func showConfig(cmd *cobra.Command, args []string) error {
	opts := []supervisor.Option{}
	if scope := viper.GetString("scope"); scope != "" {
		opts = append(opts, supervisor.WithScope(scope))
	}
	if n := viper.GetInt("workers"); n > 0 {
		opts = append(opts, supervisor.WithWorkers(n))
	}

	// Resolve with a placeholder worker routine to see the defaults the
	// run command would get.
	cfg, err := supervisor.Resolve(func(*supervisor.Supervisor) {}, opts...)
	if err != nil {
		return err
	}

	from := "default (logical CPUs)"
	if cfg.WorkersSet {
		from = "configured"
	}

	out := effectiveConfig{
		Scope:       cfg.Scope,
		Workers:     cfg.Workers,
		WorkersFrom: from,
		KillOnError: cfg.KillOnError,
		LogLevel:    viper.GetString("log_level"),
		LogJSON:     viper.GetBool("log_json"),
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
