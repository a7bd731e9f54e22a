package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "enqueue":
		return runEnqueue(args[1:])
	case "schedule":
		return runSchedule(args[1:])
	case "work":
		return runWork(args[1:])
	case "recompute-stats":
		return runRecomputeStats(args[1:])
	case "stats":
		return runStats(args[1:])
	case "serve":
		return runServe(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "pulse CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pulse <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health           Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  enqueue          Enqueue one scoring job")
	fmt.Fprintln(os.Stderr, "  schedule         Start a batch run and enqueue jobs for users needing recalculation")
	fmt.Fprintln(os.Stderr, "  work             Run the worker pool (claim and execute jobs)")
	fmt.Fprintln(os.Stderr, "  recompute-stats  Rebuild population statistics from behavioral snapshots")
	fmt.Fprintln(os.Stderr, "  stats            Show pipeline counters")
	fmt.Fprintln(os.Stderr, "  serve            Start Echo API server")
	fmt.Fprintln(os.Stderr, "  daemon           Manage systemd units for serve and work")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"pulse <command> -h\" for command-specific flags.")
}
