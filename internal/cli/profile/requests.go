package profile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/storage"
)

const formatTree helpers.OutputFormat = "tree"

// NewRequestsCmd creates the 'requests' command family.
func NewRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"req"},
		Short:   "Browse profiled requests",
	}

	cmd.AddCommand(newRequestsListCmd())
	cmd.AddCommand(newRequestsShowCmd())
	cmd.AddCommand(newRequestsDeleteCmd())

	return cmd
}

func newRequestsListCmd() *cobra.Command {
	var (
		url    string
		format string
		page   storage.PageRequest
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiled requests, newest first",
		Example: `  reqprof requests list
  reqprof requests list --url /shop/orders --size 50 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				result, err := store.PreviewsByURL(ctx, url, page.Normalize())
				if err != nil {
					return fmt.Errorf("failed to list requests: %w", err)
				}
				if format == string(helpers.FormatJSON) {
					return helpers.Render(cmd, format, helpers.ListFormats, result)
				}
				if err := helpers.Render(cmd, format, helpers.ListFormats, previewRows(result.Items)); err != nil {
					return err
				}
				pageFooter(cmd, format, result.Number, result.Pages(), result.Total)
				return nil
			})
		},
	}

	helpers.AddURLFlag(cmd, &url, "Only list requests for this URL")
	helpers.AddPageFlags(cmd, &page)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	return cmd
}

func newRequestsShowCmd() *cobra.Command {
	var format string
	formats := []helpers.OutputFormat{formatTree, helpers.FormatJSON}

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the call tree of a profiled request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				req, err := store.GetRequest(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to get request %s: %w", id, err)
				}
				if format == string(helpers.FormatJSON) {
					return (&helpers.JSONFormatter{}).Format(req, cmd.OutOrStdout())
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), helpers.RenderCallTree(req, helpers.StylesFor(cmd.OutOrStdout())))
				return err
			})
		},
	}

	helpers.AddFormatFlag(cmd, &format, formatTree, formats)
	return cmd
}

func newRequestsDeleteCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a profiled request, or every request for --url",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (url != "") {
				return fmt.Errorf("pass either a request id or --url")
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				if url != "" {
					n, err := store.DeleteRequestsByURL(ctx, url)
					if err != nil {
						return fmt.Errorf("failed to delete requests for %s: %w", url, err)
					}
					cmd.Printf("Deleted %d request(s) for %s\n", n, url)
					return nil
				}

				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := store.DeleteRequest(ctx, id); err != nil {
					return fmt.Errorf("failed to delete request %s: %w", id, err)
				}
				cmd.Printf("Deleted request %s\n", id)
				return nil
			})
		},
	}

	helpers.AddURLFlag(cmd, &url, "Delete every request for this URL")
	return cmd
}

// NewURLsCmd creates the 'urls' command.
func NewURLsCmd() *cobra.Command {
	var (
		format string
		page   storage.PageRequest
	)

	cmd := &cobra.Command{
		Use:   "urls",
		Short: "List profiled URLs, most recently profiled first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				result, err := store.DistinctURLs(ctx, page.Normalize())
				if err != nil {
					return fmt.Errorf("failed to list URLs: %w", err)
				}
				if format == string(helpers.FormatJSON) {
					return helpers.Render(cmd, format, helpers.ListFormats, result)
				}
				if err := helpers.Render(cmd, format, helpers.ListFormats, urlRows(result.Items)); err != nil {
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

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// pageFooter prints paging state below tables. Other formats stay machine
// readable.
func pageFooter(cmd *cobra.Command, format string, number, pages, total int) {
	if format != string(helpers.FormatTable) {
		return
	}
	if total == 0 {
		cmd.Println("No results.")
		return
	}
	cmd.Printf("\nPage %d of %d (%d total)\n", number, pages, total)
}
