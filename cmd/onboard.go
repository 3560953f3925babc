package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/bookline/concierge/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(cfgPath string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	cfg := config.Default()

	driver := cfg.Database.Driver
	deliveryMode := cfg.Delivery.Mode
	port := strconv.Itoa(cfg.Gateway.Port)
	debounce := strconv.Itoa(cfg.Dispatch.DebounceSeconds)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Storage backend").
				Description("sqlite runs standalone; postgres is required for multi-worker deployments").
				Options(
					huh.NewOption("SQLite (standalone)", "sqlite"),
					huh.NewOption("Postgres (multi-worker)", "postgres"),
				).
				Value(&driver),
			huh.NewSelect[string]().
				Title("Reply delivery").
				Options(
					huh.NewOption("Cloud API", "cloudapi"),
					huh.NewOption("Self-hosted bridge", "bridge"),
				).
				Value(&deliveryMode),
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
			huh.NewInput().
				Title("Debounce window (seconds)").
				Description("quiet period after the last message before a batch is processed").
				Value(&debounce).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("enter a non-negative number of seconds")
					}
					return nil
				}),
			huh.NewInput().
				Title("Webhook verify token").
				Value(&cfg.Gateway.VerifyToken),
			huh.NewInput().
				Title("Engine model").
				Value(&cfg.Engine.Model),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Database.Driver = driver
	cfg.Delivery.Mode = deliveryMode
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Dispatch.DebounceSeconds, _ = strconv.Atoi(debounce)

	if deliveryMode == "bridge" {
		input := huh.NewInput().
			Title("Bridge WebSocket URL").
			Placeholder("ws://localhost:8055/ws").
			Value(&cfg.Delivery.BridgeURL)
		if err := input.Run(); err != nil {
			return err
		}
	} else {
		input := huh.NewInput().
			Title("Cloud API phone number ID").
			Value(&cfg.Delivery.PhoneNumberID)
		if err := input.Run(); err != nil {
			return err
		}
	}

	if err := writeConfig(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", cfgPath)
	fmt.Println("Secrets are read from the environment, not the config file:")
	fmt.Println("  CONCIERGE_ENGINE_API_KEY          completion engine key")
	fmt.Println("  CONCIERGE_DELIVERY_ACCESS_TOKEN   Cloud API token (cloudapi mode)")
	fmt.Println("  CONCIERGE_POSTGRES_DSN            database DSN (postgres mode)")
	fmt.Println("  CONCIERGE_APP_SECRET              webhook signature secret")
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
