package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/apconsole/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the apconsole configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(out)
		_, _ = red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

		if err := dumpConfig(out, configPath); err != nil {
			return err
		}

		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// defaultViper returns a viper holding only the built-in defaults.
func defaultViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

// findUnknownKeys reads the config file and reports keys the defaults do not
// declare.
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unknownKeys(v.AllKeys(), defaultViper().AllKeys()), nil
}

// unknownKeys returns the sorted members of keys missing from valid.
func unknownKeys(keys, valid []string) []string {
	known := make(map[string]bool, len(valid))
	for _, key := range valid {
		known[key] = true
	}

	unknown := []string{}
	for _, key := range keys {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// dumpConfig prints every known key grouped by section, highlighting values
// that differ from the defaults.
func dumpConfig(w io.Writer, configPath string) error {
	defaults := defaultViper()

	effective := viper.New()
	config.SetDefaults(effective)
	effective.SetConfigFile(configPath)
	effective.SetEnvPrefix("APCONSOLE")
	effective.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	effective.AutomaticEnv()
	if err := effective.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	keys := defaults.AllKeys()
	sort.Strings(keys)

	section := ""
	for _, key := range keys {
		parent, name := splitKey(key)
		if parent != section {
			section = parent
			_, _ = cyan.Fprintf(w, "\n[%s]\n", section)
		}

		value, defaultValue := effective.Get(key), defaults.Get(key)
		if strings.HasSuffix(name, "password") {
			value, defaultValue = redactPassword(fmt.Sprint(value)), redactPassword(fmt.Sprint(defaultValue))
		}
		dumpField(w, "  "+name, value, defaultValue, yellow, green)
	}
	return nil
}

// splitKey separates a dotted key into its section and leaf name.
func splitKey(key string) (string, string) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// dumpField prints a field with color if it differs from default
func dumpField(w io.Writer, name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) || valueStr == fmt.Sprintf("%v", defaultValue) {
		_, _ = defaultColor.Fprintf(w, "%s = %s\n", name, valueStr)
		return
	}
	_, _ = modifiedColor.Fprintf(w, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
