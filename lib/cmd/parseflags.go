// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, which must not accept positional
// arguments, and reports problems on stderr.
//
// If the program should exit now, ok is false and exitCode is 0
// ("-help") or 2 (usage error).
func ParseFlags(f *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if err == flag.ErrHelp {
		fmt.Fprintf(stderr, "Usage: %s [options]\n", prog)
		f.SetOutput(stderr)
		f.PrintDefaults()
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	} else if f.NArg() > 0 {
		fmt.Fprintf(stderr, "%s: unexpected arguments %q (try -help)\n", prog, f.Args())
		return false, 2
	}
	return true, 0
}
