// Command voicestage runs the spoken exam session engine.
//
// Usage:
//
//	voicestage serve            serve sessions over HTTP and WebSocket
//	voicestage run --case ID    run one session in the terminal
//	voicestage cases            list the case catalog
//
// Settings come from the environment and an optional .env file.
package main

import (
	"fmt"
	"os"

	"github.com/dtpsim/voicestage/cmd/voicestage/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
