package cmd

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/abrengine/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing abrengine configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration in YAML format.

Without a config file or environment overrides this prints every option with
its default value, which makes a good template:

  abrengine config dump > config.yaml

Environment variables use the ABRENGINE_ prefix and underscores for nesting.
Example: abr.initial_bitrate -> ABRENGINE_ABR_INITIAL_BITRATE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations in their human form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case float64:
			if math.IsInf(v, 0) || math.IsNaN(v) {
				result[key] = fmt.Sprint(v)
			} else {
				result[key] = v
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func dumpConfig(w io.Writer, c *config.Config) error {
	if c == nil {
		c = config.Default()
	}
	data, err := yaml.Marshal(toMap(c))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# abrengine configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 200ms, 30s, 5m")
	fmt.Fprintln(w, "# Bitrates are in bits per second; 0 means unset.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   ABRENGINE_LOGGING_LEVEL, ABRENGINE_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   ABRENGINE_ABR_INITIAL_BITRATE, ABRENGINE_BUFFER_WANTED_BUFFER_AHEAD")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
