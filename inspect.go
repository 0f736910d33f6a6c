package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/riverdelta/eddy/pkg/store"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [space]",
		Short: "Show cached facts and daemon status",
		Long: `Display the committed facts persisted in the local cache.

Without arguments, lists every cached space with fact counts. With a
space name, lists that space's facts. Reads the cache directly, so it
works whether or not a daemon is running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInspect,
	}
}

// inspectSpace summarizes one cached space.
type inspectSpace struct {
	Name  string `json:"name"`
	Facts int    `json:"facts"`
	Bytes int64  `json:"bytes"`
}

// inspectFact holds display fields for a single cached fact.
type inspectFact struct {
	Entity   string `json:"entity"`
	Type     string `json:"type"`
	Ref      string `json:"ref"`
	Bytes    int64  `json:"bytes"`
	Asserted int64  `json:"asserted"`
	Accessed int64  `json:"accessed"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	cachePath := resolvedCfg.Store.EffectiveCachePath()
	if cachePath == "" {
		return fmt.Errorf("cannot determine cache path: no home directory and no cache_path configured")
	}

	if _, err := os.Stat(cachePath); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No cache at %s. Run 'eddy serve' to create one.\n", cachePath)

		return nil
	}

	cache, err := store.OpenCache(cachePath, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	if len(args) == 1 {
		return inspectOneSpace(cmd.Context(), cache, args[0])
	}

	return inspectAllSpaces(cmd.Context(), cache, cachePath)
}

func inspectAllSpaces(ctx context.Context, cache *store.Cache, cachePath string) error {
	spaces, err := buildSpaceSummaries(ctx, cache)
	if err != nil {
		return err
	}

	if flagJSON {
		return printInspectJSON(spaces)
	}

	printDaemonStatus(cachePath)

	if len(spaces) == 0 {
		fmt.Println("Cache is empty.")

		return nil
	}

	rows := make([][]string, 0, len(spaces))
	for _, s := range spaces {
		rows = append(rows, []string{s.Name, strconv.Itoa(s.Facts), formatSize(s.Bytes)})
	}

	printTable(os.Stdout, []string{"SPACE", "FACTS", "SIZE"}, rows)

	return nil
}

// buildSpaceSummaries aggregates per-space fact counts and payload bytes.
func buildSpaceSummaries(ctx context.Context, cache *store.Cache) ([]inspectSpace, error) {
	names, err := cache.Spaces(ctx)
	if err != nil {
		return nil, err
	}

	spaces := make([]inspectSpace, 0, len(names))

	for _, name := range names {
		rows, err := cache.List(ctx, name)
		if err != nil {
			return nil, err
		}

		s := inspectSpace{Name: name, Facts: len(rows)}
		for _, row := range rows {
			s.Bytes += int64(len(row.Fact.Value))
		}

		spaces = append(spaces, s)
	}

	return spaces, nil
}

func inspectOneSpace(ctx context.Context, cache *store.Cache, space string) error {
	rows, err := cache.List(ctx, space)
	if err != nil {
		return err
	}

	facts := buildFactListing(rows)

	if flagJSON {
		return printInspectJSON(facts)
	}

	if len(facts) == 0 {
		fmt.Printf("No cached facts in space %q.\n", space)

		return nil
	}

	out := make([][]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, []string{
			f.Entity,
			f.Type,
			shortRef(f.Ref),
			formatSize(f.Bytes),
			formatTime(time.Unix(0, f.Asserted)),
			formatTime(time.Unix(0, f.Accessed)),
		})
	}

	printTable(os.Stdout, []string{"ENTITY", "TYPE", "REF", "SIZE", "ASSERTED", "ACCESSED"}, out)

	return nil
}

// buildFactListing converts cache rows to display entries. Rows arrive
// ordered by entity.
func buildFactListing(rows []store.Row) []inspectFact {
	facts := make([]inspectFact, 0, len(rows))

	for _, row := range rows {
		facts = append(facts, inspectFact{
			Entity:   row.Fact.Entity,
			Type:     row.Fact.Type,
			Ref:      string(row.Ref),
			Bytes:    int64(len(row.Fact.Value)),
			Asserted: row.Fact.Asserted,
			Accessed: row.AccessedAt,
		})
	}

	return facts
}

// shortRef abbreviates a content reference for table display. JSON
// output keeps the full reference.
func shortRef(ref string) string {
	const keep = len("sha256:") + 12
	if len(ref) <= keep {
		return ref
	}

	return ref[:keep]
}

func printDaemonStatus(cachePath string) {
	if pid, running := daemonStatus(pidFilePath(cachePath)); running {
		fmt.Printf("Daemon: running (PID %d)\n\n", pid)
	} else {
		fmt.Print("Daemon: not running\n\n")
	}
}

func printInspectJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
