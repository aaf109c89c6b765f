package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/taleport/internal/engine"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

var (
	lookupBaseURL string
	lookupList    bool
	lookupJSON    bool
	lookupMaxSize string

	registerParent  string
	registerBaseURL string
)

func newLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup ID...",
		Short: "Describe datasets behind identifiers",
		Long: `Resolve each identifier and ask the matching repository for a description
of the dataset: its name, size, DOI and repository. With --list the full
folder and file layout is shown instead.

A failing identifier is reported on its own and does not affect the others.`,
		Example: `  taleport lookup 10.5281/zenodo.6038195 https://example.org/data.csv
  taleport lookup --list --json doi:10.18126/M2301J`,
		Args: cobra.MinimumNArgs(1),
		RunE: lookupRun,
	}

	cmd.Flags().StringVar(&lookupBaseURL, "base-url", "", "base URL of the repository that produced the identifiers")
	cmd.Flags().BoolVar(&lookupList, "list", false, "list the files of each dataset")
	cmd.Flags().BoolVar(&lookupJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&lookupMaxSize, "max-size", "", "fail datasets larger than this (e.g. 25GB)")

	return cmd
}

func lookupRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	limit := int64(-1)
	if lookupMaxSize != "" {
		var err error
		if limit, err = engine.ParseSize(lookupMaxSize); err != nil {
			return fmt.Errorf("invalid --max-size: %w", err)
		}
	}

	if lookupList {
		results := globalManager.ListFiles(cmd.Context(), args, lookupBaseURL)
		if lookupJSON {
			out := make([]interface{}, len(results))
			for i, r := range results {
				if r.Err != nil {
					out[i] = map[string]string{"id": r.ID, "error": r.Err.Error()}
				} else {
					out[i] = r.FileMap
				}
			}
			return printJSON(out)
		}
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Printf("%s: %v\n", r.ID, r.Err)
				continue
			}
			printFileMap(r.FileMap, "")
		}
		return batchFailure(failed, len(results))
	}

	results := globalManager.ResolveAndLookup(cmd.Context(), args, lookupBaseURL)
	for i := range results {
		r := &results[i]
		if r.Err == nil && limit >= 0 && r.DataMap.Size > limit {
			r.Err = fmt.Errorf("dataset %q is %s, above the %s limit", r.DataMap.Name, engine.FormatSize(r.DataMap.Size), engine.FormatSize(limit))
		}
	}

	if lookupJSON {
		var dms []provider.DataMap
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", r.ID, r.Err)
				continue
			}
			dms = append(dms, *r.DataMap)
		}
		return printJSON(dms)
	}

	fmt.Printf("%-40s %-12s %10s  %s\n", "Name", "Repository", "Size", "Data ID")
	fmt.Println(strings.Repeat("-", 90))
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("%-40s %-12s %10s  %v\n", r.ID, "-", "-", r.Err)
			continue
		}
		dm := r.DataMap
		fmt.Printf("%-40s %-12s %10s  %s\n", dm.Name, dm.Repository, engine.FormatSize(dm.Size), dm.DataID)
	}
	return batchFailure(failed, len(results))
}

func printFileMap(m *provider.FileMap, indent string) {
	fmt.Printf("%s%s/\n", indent, m.Name)
	for _, f := range m.Files {
		fmt.Printf("%s  %s (%s)\n", indent, f.Name, engine.FormatSize(f.Size))
	}
	for _, c := range m.Children {
		printFileMap(c, indent+"  ")
	}
}

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register ID...",
		Short: "Register datasets in the object store",
		Long: `Resolve and look up each identifier, then mirror the dataset's folder and
file layout into the object store. Files are linked to their remote URLs,
not downloaded. Registering the same dataset again reuses existing nodes.

Datasets go into the catalog collection unless --parent names a folder.`,
		Example: `  taleport register 10.5281/zenodo.6038195
  taleport register --parent 1f0c... https://example.org/data.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: registerRun,
	}

	cmd.Flags().StringVar(&registerParent, "parent", "", "id of the folder or collection to register into")
	cmd.Flags().StringVar(&registerBaseURL, "base-url", "", "base URL of the repository that produced the identifiers")

	return cmd
}

func registerRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}

	var parent store.Node
	if registerParent != "" {
		var err error
		if parent, err = findContainer(registerParent); err != nil {
			return err
		}
	}

	results, err := globalManager.ImportData(cmd.Context(), args, parent, registerBaseURL)
	if err != nil {
		return err
	}

	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("%s: %v\n", args[i], r.Err)
			continue
		}
		fmt.Printf("%s: registered %q as folder %s\n", args[i], r.Root.Name, r.Root.ID)
	}
	return batchFailure(failed, len(results))
}

// findContainer looks id up as a folder, then as a collection.
func findContainer(id string) (store.Node, error) {
	if n, err := globalStore.GetFolder(id); err == nil {
		return n, nil
	}
	n, err := globalStore.GetNode(store.KindCollection, id)
	if err != nil {
		return store.Node{}, fmt.Errorf("no folder or collection %s: %w", id, err)
	}
	return n, nil
}

// findNode looks id up as a folder, then as an item.
func findNode(id string) (store.Node, error) {
	if n, err := globalStore.GetFolder(id); err == nil {
		return n, nil
	}
	n, err := globalStore.GetItem(id)
	if err != nil {
		return store.Node{}, fmt.Errorf("no folder or item %s: %w", id, err)
	}
	return n, nil
}

func batchFailure(failed, total int) error {
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d identifiers failed", failed, total)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
