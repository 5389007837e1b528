package main

import (
	"fmt"

	"github.com/agentuity/querycache/invalidation"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [pattern...]",
	Short: "Delete cached keys and tell running processes to do the same",
	Long: `Delete every key matching the given glob patterns from the shared tier and
broadcast the patterns so running processes drop them from their local tier.
Instead of patterns, --event selects the patterns of a domain event.`,
	Example: `  querycache invalidate 'role:query:*'
  querycache invalidate --event order
  querycache invalidate --event user --id 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		event, _ := cmd.Flags().GetString("event")
		id, _ := cmd.Flags().GetString("id")
		if event == "" && len(args) == 0 {
			return errors.New("a pattern or --event is required")
		}
		acc, _, logger, shutdown, err := setup(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer shutdown()

		svc := acc.Invalidation()
		var deleted int
		switch event {
		case "":
			deleted = svc.Invalidate(cmd.Context(), invalidation.EventManual, args...)
		case "order":
			deleted = svc.OnOrderWritten(cmd.Context(), invalidation.Order{ID: id})
		case "user":
			if id == "" {
				return errors.New("--id is required for user events")
			}
			deleted = svc.OnUserUpdated(cmd.Context(), id)
		case "class":
			if id == "" {
				return errors.New("--id is required for class events")
			}
			deleted = svc.OnClassChanged(cmd.Context(), id)
		case "all":
			deleted = svc.InvalidateAll(cmd.Context())
		default:
			return errors.Newf("unknown event %q, expected order, user, class or all", event)
		}
		if failures := svc.Stats().Failures; failures > 0 {
			logger.Warn("%d pattern deletes failed", failures)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", deleted)
		return nil
	},
}

func init() {
	invalidateCmd.Flags().String("event", "", "domain event: order, user, class or all")
	invalidateCmd.Flags().String("id", "", "user id or class name for user and class events")
	rootCmd.AddCommand(invalidateCmd)
}
