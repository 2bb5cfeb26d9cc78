package main

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/sop/config"
	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/formatter"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List every route of the entity API",
	Long: `List every effective route, inherited routes included, in the order
the server resolves them.

Examples:
  sop routes
  sop routes -o json`,
	RunE: runRoutes,
}

func init() {
	rootCmd.AddCommand(routesCmd)
}

func runRoutes(cmd *cobra.Command, args []string) error {
	f, err := formatter.Lookup(outputFormat)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Routes do not depend on the store.
	cfg.Database = config.DatabaseConfig{Driver: config.DriverMemory}
	cfg.Metrics.Enabled = false

	rt, err := newRuntime(cmd.Context(), cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer rt.Close()

	return printRoutes(cmd.OutOrStdout(), f, rt.app.Routes())
}

var routeView = formatter.View{Name: "routes", Columns: []string{"verb", "path", "owner", "summary"}}

func printRoutes(out io.Writer, f formatter.Formatter, routes []api.Route) error {
	records := make([]map[string]any, len(routes))
	for i, r := range routes {
		owner := ""
		if r.Owner != nil {
			owner = "/" + r.Owner.Path()
		}
		records[i] = map[string]any{
			"verb":    r.Verb,
			"path":    "/" + r.FullPath(),
			"owner":   owner,
			"summary": r.Summary,
		}
	}
	return f.FormatList(out, routeView, records, formatter.FormatOptions{})
}
