package helpers

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/storage"
)

func names(formats []OutputFormat) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}

// AddFormatFlag adds --format/-o with shell completion of the supported
// formats.
func AddFormatFlag(cmd *cobra.Command, formatVar *string, defaultFormat OutputFormat, supportedFormats []OutputFormat) {
	formatNames := names(supportedFormats)
	cmd.Flags().StringVarP(formatVar, "format", "o", string(defaultFormat),
		fmt.Sprintf("Output format (%s)", strings.Join(formatNames, ", ")))

	_ = cmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return formatNames, cobra.ShellCompDirectiveNoFileComp
	})
}

// AddURLFlag adds --url. Completion offers the most recently profiled URLs.
func AddURLFlag(cmd *cobra.Command, urlVar *string, usage string) {
	cmd.Flags().StringVar(urlVar, "url", "", usage)

	_ = cmd.RegisterFlagCompletionFunc("url", func(cmd *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var urls []string
		_ = WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
			page, err := store.DistinctURLs(ctx, storage.PageRequest{Number: 1, Size: storage.MaxPageSize})
			if err != nil {
				return err
			}
			for _, u := range page.Items {
				if strings.HasPrefix(u.URL, toComplete) {
					urls = append(urls, u.URL)
				}
			}
			return nil
		})
		return urls, cobra.ShellCompDirectiveNoFileComp
	})
}

// AddPageFlags adds --page and --size.
func AddPageFlags(cmd *cobra.Command, page *storage.PageRequest) {
	cmd.Flags().IntVar(&page.Number, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&page.Size, "size", storage.DefaultPageSize,
		fmt.Sprintf("Items per page (max %d)", storage.MaxPageSize))
}

// AddVerboseFlag adds --verbose/-v.
func AddVerboseFlag(cmd *cobra.Command, verboseVar *bool) {
	cmd.Flags().BoolVarP(verboseVar, "verbose", "v", false, "Verbose output (show additional details)")
}

// ValidateFormat rejects formats outside supported.
func ValidateFormat(format string, supported []OutputFormat) error {
	for _, s := range supported {
		if format == string(s) {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q, must be one of: %s",
		format, strings.Join(names(supported), ", "))
}

// Render validates format and writes data with the matching formatter.
func Render(cmd *cobra.Command, format string, supported []OutputFormat, data any) error {
	if err := ValidateFormat(format, supported); err != nil {
		return err
	}
	f, err := NewFormatter(OutputFormat(format))
	if err != nil {
		return err
	}
	return f.Format(data, cmd.OutOrStdout())
}
