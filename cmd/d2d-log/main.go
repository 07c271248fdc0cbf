// Command d2d-log views and analyzes d2d event log files.
//
// Event logs are written by d2d-controller and d2d-peer when started with
// the -event-log flag.
//
// Usage:
//
//	d2d-log <command> [flags] <file.dlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON lines or CSV
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View discovery events only
//	d2d-log view -layer discovery controller.dlog
//
//	# Everything that happened to one device
//	d2d-log view -device 0f8fad5b-d9cb-469f-a165-70867728950e controller.dlog
//
//	# Export one session to CSV
//	d2d-log export -format csv -session 3f1c2a9e controller.dlog
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/d2d-protocol/d2d-go/cmd/d2d-log/commands"
	"github.com/d2d-protocol/d2d-go/pkg/log"
)

const usage = `d2d-log - D2D Event Log Analyzer

Usage:
  d2d-log <command> [flags] <file.dlog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSON lines or CSV
  stats    Show statistics about the log file

Use "d2d-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags holds the filter flags shared by view and export.
type filterFlags struct {
	layer     *string
	direction *string
	category  *string
	session   *string
	device    *string
	transport *string
	since     *string
	until     *string
}

func addFilterFlags(fs *flag.FlagSet) *filterFlags {
	return &filterFlags{
		layer:     fs.String("layer", "", "Filter by layer (transport, discovery, pairing, session, install)"),
		direction: fs.String("direction", "", "Filter by direction (in, out)"),
		category:  fs.String("category", "", "Filter by category (message, discovery, state, error, decision, progress)"),
		session:   fs.String("session", "", "Filter by round or session ID"),
		device:    fs.String("device", "", "Filter by device UUID"),
		transport: fs.String("transport", "", "Filter by transport (NETWORK, BLUETOOTH)"),
		since:     fs.String("since", "", "Only events at or after this time (RFC3339)"),
		until:     fs.String("until", "", "Only events before this time (RFC3339)"),
	}
}

func (f *filterFlags) build() (log.Filter, error) {
	filter := log.Filter{
		SessionID: *f.session,
		DeviceID:  *f.device,
		Transport: *f.transport,
	}
	if *f.layer != "" {
		l, err := commands.ParseLayerFlag(*f.layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if *f.direction != "" {
		d, err := commands.ParseDirectionFlag(*f.direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if *f.category != "" {
		c, err := commands.ParseCategoryFlag(*f.category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if *f.since != "" {
		t, err := time.Parse(time.RFC3339, *f.since)
		if err != nil {
			return filter, fmt.Errorf("invalid -since: %w", err)
		}
		filter.TimeStart = &t
	}
	if *f.until != "" {
		t, err := time.Parse(time.RFC3339, *f.until)
		if err != nil {
			return filter, fmt.Errorf("invalid -until: %w", err)
		}
		filter.TimeEnd = &t
	}
	return filter, nil
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `d2d-log view - View log file in human-readable format

Usage:
  d2d-log view [flags] <file.dlog>

Flags:
`)
		fs.PrintDefaults()
	}
	ff := addFilterFlags(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := ff.build()
	if err != nil {
		fatal(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fatal(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `d2d-log export - Export log file to JSON lines or CSV

Usage:
  d2d-log export [flags] <file.dlog>

Flags:
`)
		fs.PrintDefaults()
	}
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	ff := addFilterFlags(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := ff.build()
	if err != nil {
		fatal(err)
	}
	if err := commands.RunExport(path, filter, *format, *output); err != nil {
		fatal(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `d2d-log stats - Show statistics about the log file

Usage:
  d2d-log stats <file.dlog>

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fatal(err)
	}
}

func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
