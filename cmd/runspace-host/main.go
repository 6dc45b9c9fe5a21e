// Package main provides the helper process that hosts a command engine for
// out-of-process runspace channels.
package main

import (
	"fmt"
	"os"

	"github.com/telnet2/go-practice/go-runspace/host"
)

func main() {
	if err := host.NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
