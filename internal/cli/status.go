package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/storage"
	"github.com/coral-mesh/reqprof/pkg/version"
)

// statusReport is the output of 'reqprof status'.
type statusReport struct {
	Version       string `json:"version"`
	ConfigPath    string `json:"config_path"`
	Backend       string `json:"backend"`
	Location      string `json:"location,omitempty"`
	StorageOK     bool   `json:"storage_ok"`
	StorageError  string `json:"storage_error,omitempty"`
	URLs          int    `json:"urls"`
	LongRequests  int    `json:"long_requests"`
	ServerURL     string `json:"server_url"`
	ServerRunning bool   `json:"server_running"`
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var (
		format  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show storage and server status",
		Long: `Display a quick overview of the local reqprof environment:
- Storage backend reachability and profile counts
- Whether a reqprof server answers on the configured listen address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := helpers.Loader(cmd)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			report := statusReport{
				Version:    version.Get().String(),
				ConfigPath: loader.Path(),
				Backend:    cfg.Storage.Backend,
				Location:   storageLocation(cfg.Storage),
				ServerURL:  serverURL(cfg.Server.Listen),
			}

			err = helpers.WithStore(cmd, func(ctx context.Context, store storage.Repository) error {
				first := storage.PageRequest{Number: 1, Size: 1}
				urls, err := store.DistinctURLs(ctx, first)
				if err != nil {
					return err
				}
				long, err := store.LongRequests(ctx, first)
				if err != nil {
					return err
				}
				report.URLs = urls.Total
				report.LongRequests = long.Total
				return nil
			})
			report.StorageOK = err == nil
			if err != nil {
				report.StorageError = err.Error()
			}

			report.ServerRunning = probe(cmd.Context(), report.ServerURL+"/health")

			if format != string(helpers.FormatTable) {
				return (&helpers.JSONFormatter{}).Format(report, cmd.OutOrStdout())
			}
			return printStatus(cmd, report, verbose)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
	})
	helpers.AddVerboseFlag(cmd, &verbose)

	return cmd
}

func printStatus(cmd *cobra.Command, r statusReport, verbose bool) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	fmt.Fprintf(w, "Version:\t%s\n", r.Version)
	fmt.Fprintf(w, "Config:\t%s\n", r.ConfigPath)
	fmt.Fprintf(w, "Storage:\t%s %s\n", mark(r.StorageOK), r.Backend)
	if verbose && r.Location != "" {
		fmt.Fprintf(w, "  Location:\t%s\n", r.Location)
	}
	if r.StorageOK {
		fmt.Fprintf(w, "  URLs:\t%d\n", r.URLs)
		fmt.Fprintf(w, "  Long requests:\t%d\n", r.LongRequests)
	} else {
		fmt.Fprintf(w, "  Error:\t%s\n", r.StorageError)
	}
	fmt.Fprintf(w, "Server:\t%s %s\n", mark(r.ServerRunning), r.ServerURL)
	return w.Flush()
}

func storageLocation(cfg config.StorageConfig) string {
	switch cfg.Backend {
	case config.BackendDuckDB:
		if cfg.DuckDB.Path == "" {
			return "in-memory"
		}
		return cfg.DuckDB.Path
	case config.BackendRedis:
		return cfg.Redis.Addr
	default:
		return ""
	}
}

// serverURL turns a listen address into a URL a local client can reach.
func serverURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
