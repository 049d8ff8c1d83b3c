package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "onboard"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage onboard configuration.

Running bare 'onboard config' is the same as 'onboard config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# onboard configuration
# See: onboard config show (for effective values and sources)

# State/data directory (default: ~/.config/onboard)
# state_dir: {{ .StateDir }}

# SQLite database: session journal and, by default, the active session
# db_path: {{ .DBPath }}

api:
  # Onboarding API root
  base_url: "{{ .BaseURL }}"

  # Bearer token file written by 'onboard login'.
  # ONBOARD_API_TOKEN overrides it without touching disk.
  token_file: "{{ .TokenFile }}"

persistence:
  # Where the active session id is kept: sqlite, file, redis, or memory
  backend: "{{ .Backend }}"

  # Pointer file for the file backend
  # path: {{ .PointerPath }}

redis:
  # Connection URL for the redis backend, e.g. redis://localhost:6379/0
  url: "{{ .RedisURL }}"

log:
  # trace, debug, info, warn, error
  level: "{{ .LogLevel }}"

  # console or json
  format: "{{ .LogFormat }}"

telemetry:
  # OTLP/HTTP traces endpoint; empty disables tracing
  endpoint: "{{ .TelemetryEndpoint }}"
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	BaseURL           string
	TokenFile         string
	Backend           string
	PointerPath       string
	RedisURL          string
	LogLevel          string
	LogFormat         string
	TelemetryEndpoint string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		BaseURL:           viper.GetString("api.base_url"),
		TokenFile:         viper.GetString("api.token_file"),
		Backend:           viper.GetString("persistence.backend"),
		PointerPath:       viper.GetString("persistence.path"),
		RedisURL:          viper.GetString("redis.url"),
		LogLevel:          viper.GetString("log.level"),
		LogFormat:         viper.GetString("log.format"),
		TelemetryEndpoint: viper.GetString("telemetry.endpoint"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "ONBOARD_STATE_DIR"},
	{Key: "db_path", EnvVar: "ONBOARD_DB_PATH"},
	{Key: "api.base_url", EnvVar: "ONBOARD_API_BASE_URL"},
	{Key: "api.token", EnvVar: "ONBOARD_API_TOKEN", Secret: true},
	{Key: "api.token_file", EnvVar: "ONBOARD_API_TOKEN_FILE"},
	{Key: "persistence.backend", EnvVar: "ONBOARD_PERSISTENCE_BACKEND"},
	{Key: "persistence.path", EnvVar: "ONBOARD_PERSISTENCE_PATH"},
	{Key: "redis.url", EnvVar: "ONBOARD_REDIS_URL", Secret: true},
	{Key: "log.level", EnvVar: "ONBOARD_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "ONBOARD_LOG_FORMAT"},
	{Key: "telemetry.endpoint", EnvVar: "ONBOARD_TELEMETRY_ENDPOINT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'onboard config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
