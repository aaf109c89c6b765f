package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/taleport/internal/manifest"
	"github.com/BadgerOps/taleport/internal/store"
)

var (
	taleTitle       string
	taleDescription string
	taleCategory    string
	taleLicense     string
	taleAuthors     []string
	taleFrom        string
	taleAsTale      bool

	userEmail     string
	userFirstName string
	userLastName  string

	versionName string

	runName    string
	runStatus  string
	runResults string
)

func newTaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tale",
		Short: "Create and inspect tales",
		Long: `A tale bundles a workspace, a set of mounted datasets and descriptive
metadata. Versions snapshot the workspace; runs record the results of
executing a version.`,
	}

	cmd.PersistentFlags().StringVar(&userEmail, "user", "", "email of the acting user (created if missing)")
	cmd.PersistentFlags().StringVar(&userFirstName, "first-name", "", "first name used when creating the user")
	cmd.PersistentFlags().StringVar(&userLastName, "last-name", "", "last name used when creating the user")

	cmd.AddCommand(
		newTaleCreateCmd(),
		newTaleShowCmd(),
		newTaleAddDataCmd(),
		newTaleVersionCmd(),
		newTaleRunCmd(),
	)
	return cmd
}

func newTaleCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tale",
		Long: `Create an empty tale, or with --from a tale mounting a dataset. The dataset
is registered first; its repository may fill in title and description.`,
		Example: `  taleport tale create --title "Glacier melt" --user ann@example.org
  taleport tale create --from 10.5281/zenodo.6038195 --user ann@example.org
  taleport tale create --title T --author "Ann,Lee,https://orcid.org/0000-0002-1825-0097"`,
		Args: cobra.NoArgs,
		RunE: taleCreateRun,
	}

	cmd.Flags().StringVar(&taleTitle, "title", "", "tale title")
	cmd.Flags().StringVar(&taleDescription, "description", "", "tale description")
	cmd.Flags().StringVar(&taleCategory, "category", "science", "tale category")
	cmd.Flags().StringVar(&taleLicense, "license", "", "SPDX license id (defaults to manifest.default_license)")
	cmd.Flags().StringArrayVar(&taleAuthors, "author", nil, `author as "First,Last,ORCID" (repeatable)`)
	cmd.Flags().StringVar(&taleFrom, "from", "", "identifier of a dataset to register and mount")
	cmd.Flags().BoolVar(&taleAsTale, "as-tale", false, "record the dataset as the tale's origin instead of a citation")

	return cmd
}

func taleCreateRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	creatorID, err := actingUser()
	if err != nil {
		return err
	}
	authors, err := parseAuthors(taleAuthors)
	if err != nil {
		return err
	}

	var tale *store.Tale
	if taleFrom != "" {
		results, err := globalManager.ImportData(cmd.Context(), []string{taleFrom}, store.Node{}, "")
		if err != nil {
			return err
		}
		if err := results[0].Err; err != nil {
			return err
		}
		tale, err = globalManager.CreateTaleFromDataset(cmd.Context(), results[0].DataMap, results[0].Root, creatorID, taleAsTale)
		if err != nil {
			return err
		}
		if taleTitle != "" || taleDescription != "" || len(authors) > 0 || taleLicense != "" {
			applyTaleFlags(tale, authors)
			if err := globalStore.UpdateTale(tale); err != nil {
				return err
			}
		}
	} else {
		if taleTitle == "" {
			return fmt.Errorf("--title is required without --from")
		}
		tale = &store.Tale{CreatorID: creatorID}
		applyTaleFlags(tale, authors)
		if err := globalManager.CreateTale(tale); err != nil {
			return err
		}
	}

	fmt.Printf("Created tale %s (%s)\n", tale.ID, tale.Title)
	fmt.Printf("  Workspace: %s\n", globalManager.Layout().WorkspaceDir(tale.ID))
	return nil
}

func applyTaleFlags(t *store.Tale, authors []store.Author) {
	if taleTitle != "" {
		t.Title = taleTitle
	}
	if taleDescription != "" {
		t.Description = taleDescription
	}
	if t.Category == "" {
		t.Category = taleCategory
	}
	if taleLicense != "" {
		t.LicenseSPDX = taleLicense
	}
	if len(authors) > 0 {
		t.Authors = authors
	}
}

// parseAuthors reads "First,Last,ORCID" values.
func parseAuthors(values []string) ([]store.Author, error) {
	var out []store.Author
	for _, v := range values {
		parts := strings.Split(v, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --author %q: want \"First,Last,ORCID\"", v)
		}
		out = append(out, store.Author{
			FirstName: strings.TrimSpace(parts[0]),
			LastName:  strings.TrimSpace(parts[1]),
			ORCID:     strings.TrimSpace(parts[2]),
		})
	}
	return out, nil
}

// actingUser returns the id of the --user account, creating it on first use.
func actingUser() (string, error) {
	if userEmail == "" {
		return "", fmt.Errorf("--user is required")
	}
	u, err := globalStore.EnsureUser(userEmail, userFirstName, userLastName)
	if err != nil {
		return "", fmt.Errorf("loading user %s: %w", userEmail, err)
	}
	return u.ID, nil
}

func newTaleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TALE_ID",
		Short: "Print a tale with its versions and runs",
		Args:  cobra.ExactArgs(1),
		RunE:  taleShowRun,
	}
}

func taleShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	tale, err := globalStore.GetTale(args[0])
	if err != nil {
		return err
	}
	versions, err := globalStore.ListVersions(tale.ID)
	if err != nil {
		return err
	}

	type versionView struct {
		store.Version
		Runs []store.Run `json:"runs"`
	}
	view := struct {
		*store.Tale
		Versions []versionView `json:"versions"`
	}{Tale: tale}
	for _, v := range versions {
		runs, err := globalStore.ListRuns(v.ID)
		if err != nil {
			return err
		}
		view.Versions = append(view.Versions, versionView{Version: v, Runs: runs})
	}
	return printJSON(view)
}

func newTaleAddDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-data TALE_ID NODE_ID...",
		Short: "Mount registered folders or items in a tale",
		Args:  cobra.MinimumNArgs(2),
		RunE:  taleAddDataRun,
	}
}

func taleAddDataRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	var nodes []store.Node
	for _, id := range args[1:] {
		n, err := findNode(id)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	tale, err := globalManager.AddData(args[0], nodes)
	if err != nil {
		return err
	}
	fmt.Printf("Tale %s mounts %d dataset entries\n", tale.ID, len(tale.DataSet))
	for _, e := range tale.DataSet {
		fmt.Printf("  %-8s %s  %s\n", e.ModelType, e.ItemID, e.MountPath)
	}
	return nil
}

func newTaleVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version TALE_ID",
		Short: "Snapshot the tale workspace as a new version",
		Args:  cobra.ExactArgs(1),
		RunE:  taleVersionRun,
	}
	cmd.Flags().StringVar(&versionName, "name", "", "version name (required)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func taleVersionRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	creatorID := ""
	if userEmail != "" {
		var err error
		if creatorID, err = actingUser(); err != nil {
			return err
		}
	}
	v, err := globalManager.CreateVersion(args[0], versionName, creatorID)
	if err != nil {
		return err
	}
	fmt.Printf("Created version %s (%s)\n", v.ID, v.Name)
	return nil
}

func newTaleRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run VERSION_ID",
		Short: "Record a run of a version",
		Long: `Record a run of a tale version. Files below --results become the run's
content and are listed in manifests built from the version.`,
		Example: `  taleport tale run 6f1e... --name first --status completed --results ./out`,
		Args: cobra.ExactArgs(1),
		RunE: taleRunRun,
	}
	cmd.Flags().StringVar(&runName, "name", "", "run name (required)")
	cmd.Flags().StringVar(&runStatus, "status", "completed", "run status (unknown, starting, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&runResults, "results", "", "directory holding the run results")
	cmd.MarkFlagRequired("name")
	return cmd
}

func taleRunRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	status := manifest.ParseRunStatus(strings.ToLower(runStatus))
	if status == store.RunUnknown && runStatus != "unknown" && runStatus != "0" {
		return fmt.Errorf("unknown run status %q", runStatus)
	}
	creatorID := ""
	if userEmail != "" {
		var err error
		if creatorID, err = actingUser(); err != nil {
			return err
		}
	}
	r, err := globalManager.RecordRun(args[0], runName, creatorID, status, runResults)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded run %s (%s)\n", r.ID, runName)
	return nil
}
