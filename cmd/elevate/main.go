// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command elevate runs another program at a higher integrity level,
// prompting for consent via the OS if the caller is not already an
// administrator running at high integrity.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/mattn/go-colorable"

	"github.com/tailscale/eledo/bridge"
	"github.com/tailscale/eledo/token"
)

func main() {
	fs := flag.NewFlagSet("elevate", flag.ExitOnError)
	verbose := fs.Bool("v", false, "log the caller's current privilege level before running")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: elevate [-v] <command> [args...]")
	}
	fs.Parse(os.Args[1:])

	argv := fs.Args()
	if len(argv) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	log.SetFlags(0)
	log.SetPrefix("elevate: ")
	log.SetOutput(colorable.NewColorableStderr())

	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		log.Printf("unable to find %q in path", argv[0])
		os.Exit(1)
	}
	argv[0] = resolved

	if *verbose {
		if cur, err := token.Current(); err == nil {
			if level, err := cur.Classify(); err == nil {
				log.Printf("current privilege level: %s", level)
			}
			cur.Close()
		}
	}

	code, err := bridge.Run(bridge.Elevate, argv)
	if err != nil {
		// Run returns 1 for setup errors; a console-restore error comes
		// with the target's own exit code, which is kept.
		log.Printf("%v", err)
	}
	os.Exit(code)
}
