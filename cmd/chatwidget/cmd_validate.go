package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatwidget/pkg/chatapi"
)

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("key", "", "widget API key (defaults to api.api_key)")
	validateCmd.Flags().String("widget-id", "", "widget id (defaults to widget.widget_id)")
	validateCmd.Flags().String("origin", "", "check this embedding origin against the allow list")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a widget key against the tenants file or the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		key, _ := cmd.Flags().GetString("key")
		widgetID, _ := cmd.Flags().GetString("widget-id")
		origin, _ := cmd.Flags().GetString("origin")
		if key == "" {
			key = cfg.API.APIKey
		}
		if widgetID == "" {
			widgetID = cfg.Widget.WidgetID
		}

		validator, err := keyValidator(cfg)
		if err != nil {
			return err
		}
		v, err := validator.Validate(context.Background(), key, widgetID)
		if err != nil {
			status, msg := chatapi.RejectionStatus(err)
			return fmt.Errorf("key rejected (%d): %s", status, msg)
		}

		fmt.Fprintf(os.Stdout, "Valid key for tenant %s (%s)\n", v.Tenant.Name, v.Tenant.ID)
		fmt.Fprintf(os.Stdout, "Allowed origins: %s\n", strings.Join(v.Config.AllowedOrigins, ", "))
		if v.Config.Title != "" {
			fmt.Fprintf(os.Stdout, "Title: %s\n", v.Config.Title)
		}
		if origin != "" {
			if !v.Config.OriginAllowed(origin) {
				return fmt.Errorf("origin %s is not authorized", origin)
			}
			fmt.Fprintf(os.Stdout, "Origin %s is allowed.\n", origin)
		}
		return nil
	},
}
