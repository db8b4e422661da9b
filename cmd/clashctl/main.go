// Command clashctl drives a game session from the terminal: log in, inspect
// and edit the deck, and join matches.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp(os.Stdout, nil).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "clashctl:", err)
		os.Exit(1)
	}
}
