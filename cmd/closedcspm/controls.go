package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
)

func newControlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controls",
		Short: "Inspect the control catalog",
		Long: `Looks up controls in the catalog. The catalog is fetched from the configured
URL, or loaded from the fallback file or the built-in baseline when the URL
cannot be reached.`,
	}
	cmd.PersistentFlags().String("catalog-url", "", "Control catalog URL (OSCAL JSON)")
	cmd.PersistentFlags().String("catalog-file", "", "Fallback control catalog file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the controls of the catalog or of one family",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cache, err := newCatalogCache(cfg, logger)
			if err != nil {
				return err
			}
			family, _ := cmd.Flags().GetString("family")

			res := cache.Catalog(cmd.Context(), false)
			if res.Degraded() {
				return fmt.Errorf("control catalog unavailable: %w", res.Err)
			}
			var controls []catalog.Control
			if family != "" {
				controls = res.Catalog.ByFamily(family)
			} else {
				for _, f := range res.Catalog.Families() {
					controls = append(controls, res.Catalog.ByFamily(f)...)
				}
			}
			printControls(cmd.OutOrStdout(), controls, res)
			return nil
		},
	}
	listCmd.Flags().String("family", "", "Only list this family, e.g. AC")

	getCmd := &cobra.Command{
		Use:   "get <control-id>",
		Short: "Show one control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cache, err := newCatalogCache(cfg, logger)
			if err != nil {
				return err
			}

			res := cache.Catalog(cmd.Context(), false)
			if res.Degraded() {
				return fmt.Errorf("control catalog unavailable: %w", res.Err)
			}
			ctl, ok := res.Catalog.Control(args[0])
			if !ok {
				return fmt.Errorf("control %q not found in catalog %s", args[0], res.Catalog.Version)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s  %s\n", ctl.ID, ctl.Title)
			fmt.Fprintf(w, "Family: %s   Catalog: %s (%s)\n", ctl.Family, res.Catalog.Version, res.Source)
			if ctl.Statement != "" {
				fmt.Fprintf(w, "\nStatement:\n  %s\n", ctl.Statement)
			}
			if ctl.Guidance != "" {
				fmt.Fprintf(w, "\nGuidance:\n  %s\n", ctl.Guidance)
			}
			if len(ctl.Enhancements) > 0 {
				fmt.Fprintln(w, "\nEnhancements:")
				for _, e := range ctl.Enhancements {
					fmt.Fprintf(w, "  %-12s %s\n", e.ID, e.Title)
				}
			}
			return nil
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search controls by id, title or statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cache, err := newCatalogCache(cfg, logger)
			if err != nil {
				return err
			}

			res := cache.Catalog(cmd.Context(), false)
			if res.Degraded() {
				return fmt.Errorf("control catalog unavailable: %w", res.Err)
			}
			printControls(cmd.OutOrStdout(), res.Catalog.Search(strings.Join(args, " ")), res)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, searchCmd)
	return cmd
}

func printControls(w io.Writer, controls []catalog.Control, res catalog.Result) {
	fmt.Fprintf(w, "%-12s %-8s %s\n", "ID", "FAMILY", "TITLE")
	fmt.Fprintln(w, "------------------------------------------------------------------------------------")
	for _, c := range controls {
		fmt.Fprintf(w, "%-12s %-8s %s\n", c.ID, catalog.Family(c.ID), c.Title)
	}
	stale := ""
	if res.Stale {
		stale = ", stale"
	}
	fmt.Fprintf(w, "\nTotal: %d controls (catalog %s, source %s%s)\n", len(controls), res.Catalog.Version, res.Source, stale)
}
