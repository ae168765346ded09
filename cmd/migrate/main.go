// Command migrate-engine is the CLI entrypoint for the client-side account
// migration engine: it logs into a source PDS, creates or adopts an account
// on a target PDS, and runs every migration phase through PLC handoff.
package main

import (
	"fmt"
	"os"

	"github.com/atproto-tools/migrate-engine/internal/cli"
)

func main() {
	if err := cli.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
