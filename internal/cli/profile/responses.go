package profile

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/storage"
)

const formatText helpers.OutputFormat = "text"

// NewResponsesCmd creates the 'responses' command family.
func NewResponsesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "responses",
		Short: "Inspect captured responses",
	}

	cmd.AddCommand(newResponsesShowCmd())
	cmd.AddCommand(newResponsesDeleteCmd())
	return cmd
}

func newResponsesShowCmd() *cobra.Command {
	var format string
	formats := []helpers.OutputFormat{formatText, helpers.FormatJSON}

	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show the response captured for a profiled request",
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
				resp, err := store.GetResponse(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to get response %s: %w", id, err)
				}
				if format == string(helpers.FormatJSON) {
					return (&helpers.JSONFormatter{}).Format(resp, cmd.OutOrStdout())
				}
				printResponse(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}

	helpers.AddFormatFlag(cmd, &format, formatText, formats)
	return cmd
}

func printResponse(w io.Writer, resp *capture.Response) {
	fmt.Fprintf(w, "%s  status=%d captured=%s\n", resp.URL, resp.StatusCode, resp.CapturedOnUTC.UTC().Format(time.RFC3339))
	for _, c := range resp.Collections {
		fmt.Fprintf(w, "\n%s:\n", c.Name)
		for _, item := range c.Data {
			fmt.Fprintf(w, "  %s: %s\n", item.Name, item.Value)
		}
	}
	if resp.Body != "" {
		fmt.Fprintf(w, "\nBody:\n%s\n", resp.Body)
		if resp.BodyTruncated {
			fmt.Fprintln(w, "(truncated)")
		}
	}
}

func newResponsesDeleteCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "delete [request-id]",
		Short: "Delete a captured response, or every response for --url",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (url != "") {
				return fmt.Errorf("pass either a request id or --url")
			}
			return helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				if url != "" {
					n, err := store.DeleteResponsesByURL(ctx, url)
					if err != nil {
						return fmt.Errorf("failed to delete responses for %s: %w", url, err)
					}
					cmd.Printf("Deleted %d response(s) for %s\n", n, url)
					return nil
				}

				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := store.DeleteResponse(ctx, id); err != nil {
					return fmt.Errorf("failed to delete response %s: %w", id, err)
				}
				cmd.Printf("Deleted response %s\n", id)
				return nil
			})
		},
	}

	helpers.AddURLFlag(cmd, &url, "Delete every response for this URL")
	return cmd
}
