// Package interactive provides the interactive command-line interface
// for the d2d controller.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/d2d-protocol/d2d-go/internal/node"
	"github.com/d2d-protocol/d2d-go/pkg/connection"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/discovery"
	"github.com/d2d-protocol/d2d-go/pkg/oob"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
)

const prompt = "d2d> "

// Config configures the interactive controller.
type Config struct {
	// ConnectTimeout is the overall Bind ceiling.
	ConnectTimeout time.Duration

	// AutoPush answers push-install consent requests with yes.
	AutoPush bool
}

// Controller handles interactive mode for d2d-controller.
type Controller struct {
	cfg Config
	nd  *node.Node
	rl  *readline.Instance
	out io.Writer

	disc  *discovery.Manager
	conns *connection.Manager

	mu       sync.Mutex
	sessions []*connection.Session
}

var (
	_ discovery.Listener   = (*Controller)(nil)
	_ pushinstall.Listener = (*Controller)(nil)
)

// New creates a new interactive controller. SetNode and Attach must be
// called before Run.
func New(cfg Config) (*Controller, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Controller{cfg: cfg, rl: rl, out: rl.Stdout()}, nil
}

// SetNode sets the node whose store and pairing controller the commands use.
// The node is built after the controller so its logs can go through Stdout.
func (c *Controller) SetNode(nd *node.Node) {
	c.nd = nd
}

// Attach wires the managers built with this controller as their listener.
func (c *Controller) Attach(disc *discovery.Manager, conns *connection.Manager) {
	c.disc = disc
	c.conns = conns
	disc.Subscribe(c)
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Controller) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop.
func (c *Controller) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		if c.dispatch(ctx, strings.ToLower(parts[0]), parts[1:]) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// dispatch runs one command and reports whether the shell should exit.
func (c *Controller) dispatch(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case "help", "?":
		c.printHelp()

	case "discover", "d":
		c.cmdDiscover(ctx, args)

	case "cancel":
		c.cmdCancel()

	case "devices", "ls":
		c.cmdDevices(args)

	case "show":
		c.cmdShow(args)

	case "remove", "rm":
		c.cmdRemove(args)

	case "prune":
		c.cmdPrune()

	case "bond":
		c.cmdBond(args)

	case "unbond":
		c.cmdUnbond(args)

	case "bonded":
		c.cmdBonded()

	case "bind", "b":
		c.cmdBind(ctx, args)

	case "sessions", "s":
		c.cmdSessions()

	case "invoke", "i":
		c.cmdInvoke(ctx, args)

	case "timeout":
		c.cmdTimeout(args)

	case "close":
		c.cmdClose(args)

	case "oob":
		c.cmdOOB(args)

	case "import":
		c.cmdImport(args)

	case "status":
		c.cmdStatus()

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Controller) printHelp() {
	fmt.Fprintln(c.out, `
D2D Controller Commands:
  Discovery:
    discover [secs|inf|best] [flags]   - Start a discovery round
    cancel                             - Cancel the running round

  Devices:
    devices [all]                      - List discovered (or all) devices
    show <device>                      - Show device details
    remove <device>                    - Forget an unbonded device
    prune                              - Forget every removable device

  Pairing:
    bond <device>                      - Bond after comparing codes
    unbond <device>                    - Remove a bond
    bonded                             - List bonded devices

  Sessions:
    bind <device|uri> [flags]          - Open a session
    sessions                           - List open sessions
    invoke <n> <service> [payload]     - Call a service on session n
    timeout <n> <duration>             - Set the execute timeout of session n
    close <n>                          - Close session n

  Out-of-band:
    oob <device|self>                  - Print a summary text
    import <text>                      - Add a device from summary text

  General:
    status                             - Show controller status
    help                               - Show this help
    quit                               - Exit controller

  Flags: anon propose force remove no-bt no-wifi
  Devices are named by UUID prefix or display name.`)
}

func (c *Controller) cmdDiscover(ctx context.Context, args []string) {
	d := discovery.BestEffort
	if len(args) > 0 {
		if parsed, err := ParseDuration(args[0]); err == nil {
			d = parsed
			args = args[1:]
		}
	}
	flags, err := ParseFlags(args)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid flags: %v\n", err)
		return
	}

	r, err := c.disc.StartDiscovery(ctx, flags, d)
	if err != nil {
		fmt.Fprintf(c.out, "Discovery failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Discovering (%s, %s)...\n", r.Duration(), FormatFlags(flags))
}

func (c *Controller) cmdCancel() {
	if err := c.disc.CancelDiscovery(nil); err != nil {
		fmt.Fprintf(c.out, "Cancel failed: %v\n", err)
	}
}

func (c *Controller) cmdDevices(args []string) {
	all := len(args) > 0 && args[0] == "all"
	var recs []device.Record
	for _, r := range c.nd.Store.List() {
		if all || r.IsDiscovered() {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "No devices")
		return
	}

	fmt.Fprintf(c.out, "\nDevices (%d):\n", len(recs))
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, r := range recs {
		fmt.Fprintf(c.out, "  %s  %-20s %-10s %-11s %s\n",
			shortID(r), r.Name, r.Trust, r.Reachability, strings.Join(r.URIs(), " "))
	}
}

func (c *Controller) cmdShow(args []string) {
	rec, ok := c.resolve(args, "show <device>")
	if !ok {
		return
	}
	fmt.Fprintf(c.out, "\nDevice %s\n", rec.UUID())
	fmt.Fprintln(c.out, "-------------------------------------------")
	fmt.Fprintf(c.out, "  Name:         %s\n", rec.Name)
	fmt.Fprintf(c.out, "  OS:           %s\n", rec.OS)
	fmt.Fprintf(c.out, "  Protocol:     v%d\n", rec.ProtocolVersion)
	fmt.Fprintf(c.out, "  Features:     %s\n", rec.Features)
	fmt.Fprintf(c.out, "  Trust:        %s\n", rec.Trust)
	fmt.Fprintf(c.out, "  Reachability: %s\n", rec.Reachability)
	fmt.Fprintf(c.out, "  Fingerprint:  %s\n", rec.Identity.Fingerprint())
	if rec.IsBonded() {
		fmt.Fprintf(c.out, "  Bonded at:    %s\n", rec.BondedAt.Format(time.RFC3339))
	}
	for _, ep := range rec.Endpoints {
		fmt.Fprintf(c.out, "  Endpoint:     %s (%s)\n", ep.URI, ep.Transport)
	}
}

func (c *Controller) cmdRemove(args []string) {
	rec, ok := c.resolve(args, "remove <device>")
	if !ok {
		return
	}
	if err := c.nd.Store.Remove(rec.UUID()); err != nil {
		fmt.Fprintf(c.out, "Remove failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Removed %s\n", shortID(rec))
}

func (c *Controller) cmdPrune() {
	ids := c.nd.Store.Prune()
	fmt.Fprintf(c.out, "Pruned %d device(s)\n", len(ids))
}

func (c *Controller) cmdBond(args []string) {
	rec, ok := c.resolve(args, "bond <device>")
	if !ok {
		return
	}
	if rec.IsBonded() {
		fmt.Fprintf(c.out, "%s is already bonded\n", shortID(rec))
		return
	}
	if !c.ConfirmBonding(rec, false) {
		fmt.Fprintln(c.out, "Bonding declined")
		return
	}
	if _, err := c.nd.Pairing.Bond(rec.UUID()); err != nil {
		fmt.Fprintf(c.out, "Bond failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Bonded %s\n", shortID(rec))
}

func (c *Controller) cmdUnbond(args []string) {
	rec, ok := c.resolve(args, "unbond <device>")
	if !ok {
		return
	}
	if _, err := c.nd.Pairing.Unbond(rec.UUID()); err != nil {
		fmt.Fprintf(c.out, "Unbond failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Unbonded %s\n", shortID(rec))
}

func (c *Controller) cmdBonded() {
	recs := c.nd.Pairing.BondedDevices()
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "No bonded devices")
		return
	}
	fmt.Fprintf(c.out, "\nBonded Devices (%d):\n", len(recs))
	for _, r := range recs {
		fmt.Fprintf(c.out, "  %s  %-20s since %s\n", shortID(r), r.Name, r.BondedAt.Format("2006-01-02 15:04"))
	}
}

func (c *Controller) cmdBind(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: bind <device|uri> [flags]")
		return
	}
	flags, err := ParseFlags(args[1:])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid flags: %v\n", err)
		return
	}

	var target connection.Target
	if isURI(args[0]) {
		target = connection.URITarget(args[0])
	} else {
		rec, err := ResolveDevice(c.nd.Store.List(), args[0])
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			return
		}
		target = connection.DeviceTarget(rec)
	}

	fmt.Fprintf(c.out, "Binding %s (%s)...\n", target, FormatFlags(flags))
	s, err := c.conns.Bind(ctx, target, flags, c.cfg.ConnectTimeout)
	if err != nil {
		fmt.Fprintf(c.out, "Bind failed: %v\n", err)
		return
	}

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	n := len(c.sessions)
	c.mu.Unlock()
	info := s.Info()
	fmt.Fprintf(c.out, "Session %d open: %s via %s\n", n, info.Name, s.URI())
}

func (c *Controller) cmdSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return
	}
	for i, s := range c.sessions {
		info := s.Info()
		fmt.Fprintf(c.out, "  %d. %s  %-20s %-6s %s (timeout %s)\n",
			i+1, shortID(info), info.Name, s.State(), s.URI(), s.ExecuteTimeout())
	}
}

func (c *Controller) cmdInvoke(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: invoke <n> <service> [payload]")
		return
	}
	s, ok := c.session(args[0])
	if !ok {
		return
	}
	resp, err := s.Invoke(ctx, args[1], []byte(strings.Join(args[2:], " ")))
	if err != nil {
		fmt.Fprintf(c.out, "Invoke failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%s\n", resp)
}

func (c *Controller) cmdTimeout(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: timeout <n> <duration>")
		return
	}
	s, ok := c.session(args[0])
	if !ok {
		return
	}
	d, err := time.ParseDuration(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid duration: %v\n", err)
		return
	}
	s.SetExecuteTimeout(d)
	fmt.Fprintf(c.out, "Execute timeout set to %s\n", d)
}

func (c *Controller) cmdClose(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: close <n>")
		return
	}
	s, ok := c.session(args[0])
	if !ok {
		return
	}
	_ = s.Close()

	c.mu.Lock()
	for i, cur := range c.sessions {
		if cur == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	fmt.Fprintln(c.out, "Session closed")
}

func (c *Controller) cmdOOB(args []string) {
	var rec device.Record
	if len(args) > 0 && args[0] == "self" {
		info := c.nd.PeerInfo()
		rec = device.Record{
			Identity:        info.Identity,
			Name:            info.Name,
			ProtocolVersion: info.ProtocolVersion,
			OS:              info.OS,
			Features:        info.Features,
		}
	} else {
		var ok bool
		if rec, ok = c.resolve(args, "oob <device|self>"); !ok {
			return
		}
	}
	text, err := oob.FormatText(rec)
	if err != nil {
		fmt.Fprintf(c.out, "Encode failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, text)
}

func (c *Controller) cmdImport(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: import <text>")
		return
	}
	rec, err := oob.ParseText(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Import failed: %v\n", err)
		return
	}
	for _, sg := range oob.Sightings(rec) {
		if _, _, err := c.nd.Store.MergeSighting(sg); err != nil {
			fmt.Fprintf(c.out, "Import failed: %v\n", err)
			return
		}
	}
	fmt.Fprintf(c.out, "Imported %s (%s), %d endpoint(s)\n", rec.Name, shortID(rec), len(rec.Endpoints))
}

func (c *Controller) cmdStatus() {
	c.mu.Lock()
	sessions := len(c.sessions)
	c.mu.Unlock()

	fmt.Fprintln(c.out, "\nController Status")
	fmt.Fprintln(c.out, "-------------------------------------------")
	fmt.Fprintf(c.out, "  Device ID:     %s\n", c.nd.Local.ID)
	fmt.Fprintf(c.out, "  Fingerprint:   %s\n", c.nd.Local.Identity().Fingerprint())
	fmt.Fprintf(c.out, "  Name:          %s\n", c.nd.Config.Device.Name)
	fmt.Fprintf(c.out, "  Known devices: %d\n", c.nd.Store.Len())
	fmt.Fprintf(c.out, "  Bonded:        %d\n", len(c.nd.Store.Bonded()))
	fmt.Fprintf(c.out, "  Prune policy:  %s\n", c.nd.Store.PrunePolicy())
	if c.disc != nil {
		fmt.Fprintf(c.out, "  Discovering:   %t\n", c.disc.IsDiscovering())
	}
	fmt.Fprintf(c.out, "  Sessions:      %d\n", sessions)
}

func (c *Controller) resolve(args []string, usage string) (device.Record, bool) {
	if len(args) < 1 {
		fmt.Fprintf(c.out, "Usage: %s\n", usage)
		return device.Record{}, false
	}
	rec, err := ResolveDevice(c.nd.Store.List(), args[0])
	if err != nil {
		fmt.Fprintf(c.out, "%v\n", err)
		return device.Record{}, false
	}
	return rec, true
}

func (c *Controller) session(arg string) (*connection.Session, bool) {
	n, err := strconv.Atoi(arg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || n < 1 || n > len(c.sessions) {
		fmt.Fprintf(c.out, "No session %s\n", arg)
		return nil, false
	}
	return c.sessions[n-1], true
}

// ask prompts for a yes/no answer. It is only called while the command loop
// is blocked in a command, so it owns the terminal.
func (c *Controller) ask(question string) bool {
	if c.rl == nil {
		return false
	}
	c.rl.SetPrompt(question + " [y/N] ")
	defer c.rl.SetPrompt(prompt)
	line, err := c.rl.Readline()
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// ConfirmBonding shows the verification code and asks the user to confirm it
// matches the one shown on the peer.
func (c *Controller) ConfirmBonding(rec device.Record, forced bool) bool {
	code, err := c.nd.VerificationCode(rec.Identity.PublicKey)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot derive verification code: %v\n", err)
		return false
	}
	kind := "Proposed"
	if forced {
		kind = "Required"
	}
	fmt.Fprintf(c.out, "%s bonding with %s (%s)\n", kind, rec.Name, shortID(rec))
	fmt.Fprintf(c.out, "  Verification code: %s\n", code)
	return c.ask("Does the peer show the same code?")
}

// OnDiscoverStart implements discovery.Listener.
func (c *Controller) OnDiscoverStart() {
	fmt.Fprintln(c.out, "[discovery started]")
}

// OnDiscover implements discovery.Listener.
func (c *Controller) OnDiscover(rec device.Record, isUpdate bool) {
	mark := "+"
	if isUpdate {
		mark = "~"
	}
	trust := ""
	if rec.IsBonded() {
		trust = " [bonded]"
	}
	fmt.Fprintf(c.out, "%s %s  %s%s  %s\n", mark, shortID(rec), rec.Name, trust, strings.Join(rec.URIs(), " "))
}

// OnDiscoverStop implements discovery.Listener.
func (c *Controller) OnDiscoverStop() {
	fmt.Fprintln(c.out, "[discovery stopped]")
}

// AskIsPushApk implements pushinstall.Listener.
func (c *Controller) AskIsPushApk(peer device.Record, artifact pushinstall.Artifact) bool {
	if c.cfg.AutoPush {
		return true
	}
	return c.ask(fmt.Sprintf("Push %s v%d (%d bytes) to %s?", artifact.Name, artifact.Version, artifact.Size, peer.Name))
}

// OnProgress implements pushinstall.Listener.
func (c *Controller) OnProgress(peer device.Record, percent int) {
	if percent%10 == 0 {
		fmt.Fprintf(c.out, "  push to %s: %d%%\n", peer.Name, percent)
	}
}

// OnFinish implements pushinstall.Listener.
func (c *Controller) OnFinish(peer device.Record, result pushinstall.Result) {
	if result.Err != nil {
		fmt.Fprintf(c.out, "  push to %s finished: %s (%v)\n", peer.Name, result.Status, result.Err)
		return
	}
	fmt.Fprintf(c.out, "  push to %s finished: %s\n", peer.Name, result.Status)
}

func shortID(r device.Record) string {
	return r.UUID().String()[:8]
}
