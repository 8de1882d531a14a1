package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatwidget/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configListCmd.Flags().Bool("show-secrets", false, "print api.api_key and telegram.token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit widget settings",
	Long: `Inspect and edit the widget's settings file (see --config).

Keys are dotted paths into the file: api.* for the chat backend, widget.*
for the identity sent with each turn, http.* for the embedded server and
telegram.* for the bot. CHATWIDGET_API_KEY, CHATWIDGET_API_URL and
TELEGRAM_BOT_TOKEN replace the stored value at runtime when set.`,
	Example: `  chatwidget config list api
  chatwidget config get widget.provider
  chatwidget config set api.base_url https://chat.example.com
  chatwidget config set api.idle_timeout 90s`,
}

var configListCmd = &cobra.Command{
	Use:   "list [section]",
	Short: "Show effective settings, grouped by section",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")
		values, err := config.ListValues(loadConfig(), !showSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		var only string
		if len(args) == 1 {
			only = strings.TrimSuffix(args[0], ".")
		}

		sections := make(map[string][]string)
		for k := range values {
			section, _, nested := strings.Cut(k, ".")
			if !nested {
				section = ""
			}
			if only != "" && section != only {
				continue
			}
			sections[section] = append(sections[section], k)
		}
		if only != "" && len(sections) == 0 {
			return fmt.Errorf("no settings under %q", only)
		}

		names := make([]string, 0, len(sections))
		for s := range sections {
			names = append(names, s)
		}
		sort.Strings(names)

		for i, s := range names {
			if i > 0 {
				fmt.Fprintln(os.Stdout)
			}
			if s != "" {
				fmt.Fprintf(os.Stdout, "[%s]\n", s)
			}
			keys := sections[s]
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(os.Stdout, "  %s: %v%s\n", strings.TrimPrefix(k, s+"."), values[k], envNote(k))
			}
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the stored value of one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		if env, ok := config.OverriddenBy(args[0]); ok {
			fmt.Fprintf(os.Stderr, "note: %s is set and takes precedence\n", env)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the settings file",
	Long: `Change one setting in the settings file. The key must already exist;
numbers and booleans keep their JSON type, durations take Go syntax (90s, 2m).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		old, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if err := config.SetValue(cfgPath, key, raw); err != nil {
			return err
		}

		if config.IsSecretKey(key) {
			fmt.Fprintf(os.Stdout, "%s updated (%v)\n", key, config.MaskSecrets(map[string]any{key: raw})[key])
		} else {
			fmt.Fprintf(os.Stdout, "%s: %v -> %s\n", key, old, raw)
		}
		if env, ok := config.OverriddenBy(key); ok {
			fmt.Fprintf(os.Stderr, "note: %s is set and still overrides %s\n", env, key)
		}
		return nil
	},
}

func envNote(key string) string {
	if env, ok := config.OverriddenBy(key); ok {
		return "  (from " + env + ")"
	}
	return ""
}
