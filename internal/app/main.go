// Package app wires the docket process together: configuration, logging,
// storage backends, registered worker pools, the ops API, and the stale
// run monitor.
package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "docket")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  docket run [--dotenv ./.env]")
	fmt.Fprintln(os.Stdout, "  docket version [--long] [--json]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "run is configured through DOCKET_* environment variables:")
	fmt.Fprintln(os.Stdout, "  DOCKET_STORE          memory|sqlite|postgres (default sqlite)")
	fmt.Fprintln(os.Stdout, "  DOCKET_DB_PATH        sqlite database path (default ./.data/docket.db)")
	fmt.Fprintln(os.Stdout, "  DOCKET_POSTGRES_DSN   postgres connection string")
	fmt.Fprintln(os.Stdout, "  DOCKET_ADMIN_ADDR     ops API listen address (default 127.0.0.1:8484)")
	fmt.Fprintln(os.Stdout, "  DOCKET_ADMIN_TOKENS   comma separated bearer tokens (empty disables auth)")
	fmt.Fprintln(os.Stdout, "  DOCKET_LOG_LEVEL      debug|info|warn|error (default info)")
	fmt.Fprintln(os.Stdout, "  DOCKET_TRACING_ENDPOINT  OTLP HTTP endpoint (empty disables tracing)")
}
