package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/taleport/internal/engine"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and toggle repository providers",
		Long: `Inspect the repository providers known to taleport. The enabled state is
stored in the local database, seeded from the config file on first run.
Use "providers list" to see names, enabled state and whether each one is
currently loaded.`,
		RunE: providersListRun,
	}

	cmd.AddCommand(
		newProvidersListCmd(),
		newProvidersToggleCmd("enable", true),
		newProvidersToggleCmd("disable", false),
	)
	return cmd
}

func newProvidersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List providers",
		Long:    "List all providers in matching order, with whether each one is enabled and loaded.",
		RunE:    providersListRun,
	}
}

func providersListRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}

	statuses, err := globalManager.ProviderStatuses()
	if err != nil {
		return fmt.Errorf("listing providers: %w", err)
	}

	fmt.Println("Providers")
	fmt.Println("=========")
	fmt.Println("")
	fmt.Printf("%-12s %-8s %-8s\n", "Name", "Enabled", "Loaded")
	fmt.Println(strings.Repeat("-", 30))

	for _, s := range statuses {
		fmt.Printf("%-12s %-8s %-8s\n", s.Name, yesNo(s.Enabled), yesNo(s.Active))
	}
	fmt.Println("")

	return nil
}

func newProvidersToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " NAME...",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return providersToggleRun(args, enabled)
		},
	}
}

func providersToggleRun(names []string, enabled bool) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	for _, arg := range names {
		name, ok := canonicalProvider(arg)
		if !ok {
			return fmt.Errorf("unknown provider %q (known: %s)", arg, strings.Join(engine.DefaultProviderOrder, ", "))
		}
		if err := globalStore.SetProviderEnabled(name, enabled); err != nil {
			return err
		}
	}
	configs, err := globalStore.ListProviderConfigs()
	if err != nil {
		return err
	}
	if err := globalManager.ReconfigureProviders(configs); err != nil {
		return err
	}
	return providersListRun(nil, nil)
}

// canonicalProvider maps a case-insensitive name to the registered one.
func canonicalProvider(name string) (string, bool) {
	for _, known := range engine.DefaultProviderOrder {
		if strings.EqualFold(known, name) {
			return known, true
		}
	}
	return "", false
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
