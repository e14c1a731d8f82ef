package profile

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// NewLongRequestsCmd creates the 'long-requests' command family.
func NewLongRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "long-requests",
		Aliases: []string{"slow"},
		Short:   "Browse requests that reached the long request threshold",
	}

	cmd.AddCommand(newLongListCmd())
	cmd.AddCommand(newLongClearCmd())
	return cmd
}

func newLongListCmd() *cobra.Command {
	var (
		format string
		page   storage.PageRequest
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List long requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				result, err := store.LongRequests(ctx, page.Normalize())
				if err != nil {
					return fmt.Errorf("failed to list long requests: %w", err)
				}
				if format == string(helpers.FormatJSON) {
					return helpers.Render(cmd, format, helpers.ListFormats, result)
				}
				if err := helpers.Render(cmd, format, helpers.ListFormats, longRows(result.Items)); err != nil {
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

func newLongClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every long request record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				n, err := store.ClearLongRequests(ctx)
				if err != nil {
					return fmt.Errorf("failed to clear long requests: %w", err)
				}
				cmd.Printf("Deleted %d long request(s)\n", n)
				return nil
			})
		},
	}
}
