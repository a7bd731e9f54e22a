package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"ember.fyi/pulse/internal/cli"
	"ember.fyi/pulse/internal/globaltime"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	stats, err := pool.QueryPipelineStats(ctx, globaltime.UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	jobRows := [][]string{
		{"pending", fmt.Sprintf("%d", stats.Jobs.Pending)},
		{"processing", fmt.Sprintf("%d", stats.Jobs.Processing)},
		{"retry", fmt.Sprintf("%d", stats.Jobs.Retry)},
		{"completed", fmt.Sprintf("%d", stats.Jobs.Completed)},
		{"failed", fmt.Sprintf("%d", stats.Jobs.Failed)},
	}
	if err := writeTable([]string{"job_status", "count"}, jobRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render job table: %v\n", err)
		return 1
	}

	fmt.Println()
	runRows := [][]string{
		{"running", fmt.Sprintf("%d", stats.Runs.Running)},
		{"completed", fmt.Sprintf("%d", stats.Runs.Completed)},
		{"failed", fmt.Sprintf("%d", stats.Runs.Failed)},
		{"tokens_used", fmt.Sprintf("%d", stats.Runs.TokensUsed)},
		{"api_cost_cents", fmt.Sprintf("%d", stats.Runs.APICostCents)},
	}
	if err := writeTable([]string{"runs", "value"}, runRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render run table: %v\n", err)
		return 1
	}

	fmt.Println()
	scoreRows := [][]string{
		{"snapshots", fmt.Sprintf("%d", stats.Scores.Snapshots)},
		{"snapshots_scored", fmt.Sprintf("%d", stats.Scores.SnapshotsScored)},
		{"content_items", fmt.Sprintf("%d", stats.Scores.ContentItems)},
		{"embeddings", fmt.Sprintf("%d", stats.Scores.Embeddings)},
		{"cache_entries", fmt.Sprintf("%d", stats.Scores.CacheEntries)},
		{"cache_valid", fmt.Sprintf("%d", stats.Scores.CacheValid)},
		{"weekly_matches", fmt.Sprintf("%d", stats.Scores.WeeklyMatches)},
	}
	if err := writeTable([]string{"scores", "count"}, scoreRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render score table: %v\n", err)
		return 1
	}

	return 0
}
