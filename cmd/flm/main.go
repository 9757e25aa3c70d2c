// Command flm is the local LLM gateway CLI: engine detection, the
// OpenAI-compatible proxy, and the security surface (API keys, policy,
// blocklist, audit logs, backups).
package main

import (
	"fmt"
	"os"
)

func main() {
	root, a := newRootCommand()
	err := root.Execute()
	a.close()
	if err != nil {
		a.printError(err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
