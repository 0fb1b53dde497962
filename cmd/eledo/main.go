// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command eledo runs another program at the opposite privilege level
// from the caller: an elevated caller gets a de-elevated child, and an
// ordinary caller gets an elevated one (with the OS consent prompt).
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
	fs := flag.NewFlagSet("eledo", flag.ExitOnError)
	verbose := fs.Bool("v", false, "log the caller's current privilege level and chosen direction")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: eledo [-v] <command> [args...]")
	}
	fs.Parse(os.Args[1:])

	argv := fs.Args()
	if len(argv) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	log.SetFlags(0)
	log.SetPrefix("eledo: ")
	log.SetOutput(colorable.NewColorableStderr())

	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		log.Printf("unable to find %q in path", argv[0])
		os.Exit(1)
	}
	argv[0] = resolved

	cur, err := token.Current()
	if err != nil {
		log.Fatalf("current token: %v", err)
	}
	level, err := cur.Classify()
	cur.Close()
	if err != nil {
		log.Fatalf("classify token: %v", err)
	}

	direction := bridge.Elevate
	if level != token.NotPrivileged {
		direction = bridge.Deelevate
	}
	if *verbose {
		log.Printf("current privilege level: %s, direction: %v", level, directionName(direction))
	}

	code, err := bridge.Run(direction, argv)
	if err != nil {
		// Run returns 1 for setup errors; a console-restore error comes
		// with the target's own exit code, which is kept.
		log.Printf("%v", err)
	}
	os.Exit(code)
}

func directionName(d bridge.Direction) string {
	if d == bridge.Elevate {
		return "elevate"
	}
	return "de-elevate"
}
