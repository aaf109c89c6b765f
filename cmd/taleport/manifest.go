package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/taleport/internal/manifest"
)

var (
	manifestVersion string
	manifestExpand  bool
	manifestIndent  int
	manifestOutput  string

	importTaleUser string
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest TALE_ID",
		Short: "Build the JSON-LD manifest of a tale",
		Long: `Build the manifest of a tale version: metadata, authors, workspace and run
files with checksums, and the external data mounted in the tale. Without
--version the latest version is described, or the live workspace when the
tale has none.

Folders without a URI of their own are listed file by file unless
--expand-folders=false.`,
		Example: `  taleport manifest 5c92... --indent 2
  taleport manifest 5c92... --version 6f1e... --expand-folders=false -o manifest.json`,
		Args: cobra.ExactArgs(1),
		RunE: manifestRun,
	}

	cmd.Flags().StringVar(&manifestVersion, "version", "", "version to describe (defaults to the latest)")
	cmd.Flags().BoolVar(&manifestExpand, "expand-folders", true, "list files of folders without a URI")
	cmd.Flags().IntVar(&manifestIndent, "indent", 0, "indent width; 0 prints canonical JSON")
	cmd.Flags().StringVarP(&manifestOutput, "output", "o", "", "write to a file instead of stdout")

	return cmd
}

func manifestRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	var expand *bool
	if cmd.Flags().Changed("expand-folders") {
		expand = &manifestExpand
	}
	m, err := globalManager.BuildManifest(cmd.Context(), args[0], manifestVersion, expand)
	if err != nil {
		return err
	}
	data, err := manifest.Dump(m, strings.Repeat(" ", manifestIndent))
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if manifestOutput == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(manifestOutput, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (%d aggregates)\n", manifestOutput, len(m.Aggregates))
	return nil
}

func newParseManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-manifest FILE",
		Short: "Validate a manifest and resolve its dataset",
		Long: `Validate a manifest (upgrading older documents), then print the tale fields,
the external data identifiers it needs, and the dataset entries resolved
against the object store.`,
		Args: cobra.ExactArgs(1),
		RunE: parseManifestRun,
	}
}

func parseManifestRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	parser, err := globalManager.ParseManifest(args[0])
	if err != nil {
		return err
	}
	dataSet, err := parser.GetDataset()
	if err != nil {
		return fmt.Errorf("resolving dataset: %w", err)
	}
	tf := parser.TaleFields(globalCfg.Manifest.DefaultLicense)
	return printJSON(map[string]interface{}{
		"tale":             tf,
		"externalDataIds":  parser.ExternalDataIDs(),
		"dataSet":          dataSet,
		"schemaVersion":    parser.Manifest().SchemaVersion,
		"recordedRuns":     len(parser.Manifest().HasRecordedRuns),
		"aggregatesListed": len(parser.Manifest().Aggregates),
	})
}

func newImportTaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-tale ID",
		Short: "Recreate a tale published in a repository",
		Long: `Fetch a tale package published in a repository, register the external data
its manifest references, and recreate the tale with its workspace, version
and recorded runs. Importing the same publication twice returns the tale
created the first time.`,
		Example: `  taleport import-tale 10.5281/zenodo.4134455 --user ann@example.org`,
		Args:    cobra.ExactArgs(1),
		RunE:    importTaleRun,
	}
	cmd.Flags().StringVar(&importTaleUser, "user", "", "email of the user owning the new tale (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func importTaleRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	u, err := globalStore.EnsureUser(importTaleUser, "", "")
	if err != nil {
		return err
	}
	report, err := globalManager.ImportTale(cmd.Context(), args[0], u.ID)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	if report.Existing {
		fmt.Printf("Already imported as tale %s (%s)\n", report.Tale.ID, report.Tale.Title)
		return nil
	}

	fmt.Printf("Imported tale %s (%s)\n", report.Tale.ID, report.Tale.Title)
	fmt.Printf("  Datasets mounted: %d\n", len(report.Tale.DataSet))
	if report.Version != nil {
		fmt.Printf("  Version: %s (%s)\n", report.Version.Name, report.Version.ID)
	}
	fmt.Printf("  Runs: %d\n", len(report.Runs))
	for _, r := range report.Registered {
		if r.Err != nil {
			fmt.Printf("  Not registered: %s: %v\n", r.DataMap.DataID, r.Err)
		}
	}
	return nil
}
