package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create the Twitch EventSub webhook subscriptions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.Twitch.CanRegister() {
				return errors.New("twitch client id, client secret, user, webhook secret and callback url are all required")
			}

			registrar, err := newRegistrar(cfg)
			if err != nil {
				return err
			}

			result, err := registrar.Register(cmd.Context())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "broadcaster: %s\n", result.BroadcasterID)
			for _, t := range result.Created {
				fmt.Fprintf(out, "  created   %s\n", t)
			}
			for _, t := range result.Existing {
				fmt.Fprintf(out, "  existing  %s\n", t)
			}
			failed := make([]string, 0, len(result.Failed))
			for t := range result.Failed {
				failed = append(failed, t)
			}
			sort.Strings(failed)
			for _, t := range failed {
				fmt.Fprintf(out, "  failed    %s: %v\n", t, result.Failed[t])
			}

			if err != nil {
				return fmt.Errorf("registration incomplete: %w", err)
			}
			logger.Info("registration complete", zap.Int("created", len(result.Created)), zap.Int("existing", len(result.Existing)))
			return nil
		},
	}
}
