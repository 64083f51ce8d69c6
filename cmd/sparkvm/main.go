// Command sparkvm loads a spark executable and runs it against the
// host's standard input and output, or files redirected in their
// place.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"

	"github.com/xyproto/env/v2"

	"github.com/corenc/sparkvm/pkg/executable"
	"github.com/corenc/sparkvm/pkg/vm"
)

func main() {
	log.SetFlags(0)

	var trace bool
	flag.BoolVar(&trace, "t", false, "trace executed instructions")
	flag.BoolVar(&trace, "trace", false, "trace executed instructions")

	var stdinPath string
	flag.StringVar(&stdinPath, "i", "", "redirect guest input from this file")
	flag.StringVar(&stdinPath, "stdin", "", "redirect guest input from this file")

	var stdoutPath string
	flag.StringVar(&stdoutPath, "o", "", "redirect guest output to this file")
	flag.StringVar(&stdoutPath, "stdout", "", "redirect guest output to this file")

	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("usage: sparkvm [-t] [-i path] [-o path] <spark-executable>")
	}

	// Flags left at their zero value fall back to environment
	// variables, so a launcher can configure the emulator without
	// rewriting argv.
	if !trace {
		trace = env.Bool("SPARKVM_TRACE")
	}
	if stdinPath == "" {
		stdinPath = env.Str("SPARKVM_STDIN")
	}
	if stdoutPath == "" {
		stdoutPath = env.Str("SPARKVM_STDOUT")
	}

	exe, err := executable.ReadFromFile(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	stdin := os.Stdin
	if stdinPath != "" {
		fp, err := os.Open(stdinPath)
		if err != nil {
			log.Fatal(err)
		}
		defer fp.Close()
		stdin = fp
	}

	var stdoutFile *os.File = os.Stdout
	if stdoutPath != "" {
		fp, err := os.Create(stdoutPath)
		if err != nil {
			log.Fatal(err)
		}
		defer fp.Close()
		stdoutFile = fp
	}
	stdout := bufio.NewWriter(stdoutFile)

	machine, err := vm.New(exe, stdin, stdout)
	if err != nil {
		log.Fatal(err)
	}
	if trace {
		machine.Trace = os.Stderr
	}

	if err := machine.Run(); err != nil {
		// The exit syscall flushes on its own way out; a fault does
		// not, so flush here to avoid losing buffered guest output.
		machine.Flush()
		log.Fatal(err)
	}
}
