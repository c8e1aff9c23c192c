package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newChecksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "Manage and list available property rules",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all enabled property rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rules, err := loadRules(cfg.Rules.Dir)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-12s %-14s %-16s %-14s %s\n", "ID", "SEVERITY", "TYPE", "CONTROLS", "TITLE")
			fmt.Fprintln(w, "------------------------------------------------------------------------------------")
			for _, p := range rules.All() {
				fmt.Fprintf(w, "%-12s %-14s %-16s %-14s %s\n", p.ID, p.Severity, p.FindingType, strings.Join(p.Controls, ","), p.Title)
			}
			fmt.Fprintf(w, "\nTotal: %d checks covering families %s\n", len(rules.All()), strings.Join(rules.Families(), ", "))

			return nil
		},
	}
	listCmd.Flags().String("rules-dir", "", "Directory of property rule YAML files (default: built-in rules)")

	cmd.AddCommand(listCmd)
	return cmd
}
