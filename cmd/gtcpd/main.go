// Command gtcpd is the TCP connection dispatcher. "gtcpd serve" runs the
// dispatcher and its worker pool; "gtcpd worker" is the child-process entry
// point the pool launches.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "worker":
		err = runWorker(args)
	case "status":
		err = runStatus(args)
	case "init":
		err = runInit(args)
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "gtcpd: unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gtcpd %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	_, _ = fmt.Fprintln(os.Stderr, "Usage: gtcpd <command> [flags]")
	_, _ = fmt.Fprintln(os.Stderr, "Commands:")
	_, _ = fmt.Fprintln(os.Stderr, "  serve   run the dispatcher and its worker pool")
	_, _ = fmt.Fprintln(os.Stderr, "  worker  run one worker against a dispatcher")
	_, _ = fmt.Fprintln(os.Stderr, "  status  print the running dispatcher's counters")
	_, _ = fmt.Fprintln(os.Stderr, "  init    write a config file with the default settings")
}
