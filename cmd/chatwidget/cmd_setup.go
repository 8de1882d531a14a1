package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatwidget/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Chat Widget Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.API.BaseURL = prompt(scanner, "Chat backend URL", cfg.API.BaseURL)
		cfg.API.APIKey = prompt(scanner, "Widget API key", cfg.API.APIKey)
		cfg.Widget.AppID = prompt(scanner, "App id (optional)", cfg.Widget.AppID)
		cfg.Widget.WidgetID = prompt(scanner, "Widget id (optional, enables key validation)", cfg.Widget.WidgetID)
		cfg.Widget.Provider = prompt(scanner, "Provider", cfg.Widget.Provider)
		cfg.Widget.UserName = prompt(scanner, "Greeting name (optional)", cfg.Widget.UserName)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.TenantsFile = prompt(scanner, "Tenants file for the dev server (optional)", cfg.TenantsFile)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt shows label with its default and returns the default on empty input.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
