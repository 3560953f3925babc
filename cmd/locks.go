package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/bookline/concierge/internal/config"
)

func locksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List currently held processing locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			locks, err := stores.Locks.List(ctx)
			if err != nil {
				return fmt.Errorf("list locks: %w", err)
			}
			if len(locks) == 0 {
				fmt.Println("No locks held.")
				return nil
			}

			now := time.Now()
			fmt.Printf("%s %s %s\n",
				runewidth.FillRight("CUSTOMER", 24),
				runewidth.FillRight("OWNER", 38),
				"AGE")
			for _, l := range locks {
				fmt.Printf("%s %s %s\n",
					runewidth.FillRight(l.CustomerID, 24),
					runewidth.FillRight(l.OwnerID, 38),
					now.Sub(l.AcquiredAt).Round(time.Second))
			}
			return nil
		},
	}
}
