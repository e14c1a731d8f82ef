package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// NewURLsToProfileCmd creates the 'urls-to-profile' command family. A running
// server picks up changes on its next refresh.
func NewURLsToProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "urls-to-profile",
		Aliases: []string{"targets"},
		Short:   "Manage the stored URLs the profiler is limited to",
		Long: `Manage the stored URLs the profiler is limited to.

While at least one stored URL is enabled, or filter.include_paths is set,
only requests under those paths are profiled.`,
	}

	cmd.AddCommand(newTargetsListCmd())
	cmd.AddCommand(newTargetsAddCmd())
	cmd.AddCommand(newTargetsToggleCmd("enable", "Enable a stored URL to profile", true))
	cmd.AddCommand(newTargetsToggleCmd("disable", "Disable a stored URL to profile without deleting it", false))
	cmd.AddCommand(newTargetsDeleteCmd())
	return cmd
}

func newTargetsListCmd() *cobra.Command {
	var (
		format string
		page   storage.PageRequest
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored URLs to profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				result, err := store.URLsToProfile(ctx, page.Normalize())
				if err != nil {
					return fmt.Errorf("failed to list urls to profile: %w", err)
				}
				if format == string(helpers.FormatJSON) {
					return helpers.Render(cmd, format, helpers.ListFormats, result)
				}
				if err := helpers.Render(cmd, format, helpers.ListFormats, targetRows(result.Items)); err != nil {
					return err
				}
				pageFooter(cmd, format, result.Number, result.Pages(), result.Total)
				return nil
			})
		},
	}

	helpers.AddPageFlags(cmd, &page)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	return cmd
}

func newTargetsAddCmd() *cobra.Command {
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Store a URL to profile, replacing any entry for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := &storage.URLToProfile{URL: args[0], Enabled: !disabled, UpdatedUTC: time.Now().UTC()}
			if err := u.Validate(); err != nil {
				return err
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				if err := store.SaveURLToProfile(ctx, u); err != nil {
					return fmt.Errorf("failed to store url to profile: %w", err)
				}
				cmd.Printf("Stored %s (%s)\n", u.URL, state(u.Enabled))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&disabled, "disabled", false, "Store the URL without enabling it")
	return cmd
}

func newTargetsToggleCmd(verb, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <url>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				u, err := store.GetURLToProfile(ctx, args[0])
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("no stored url to profile %s", args[0])
					}
					return err
				}
				u.Enabled = enabled
				u.UpdatedUTC = time.Now().UTC()
				if err := store.SaveURLToProfile(ctx, u); err != nil {
					return fmt.Errorf("failed to update url to profile: %w", err)
				}
				cmd.Printf("%s is %s\n", u.URL, state(enabled))
				return nil
			})
		},
	}
}

func newTargetsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <url>",
		Short: "Delete a stored URL to profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				if err := store.DeleteURLToProfile(ctx, args[0]); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("no stored url to profile %s", args[0])
					}
					return fmt.Errorf("failed to delete url to profile: %w", err)
				}
				cmd.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func state(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
