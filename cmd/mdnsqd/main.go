// Command mdnsqd runs the mDNS query daemon: it joins the multicast group,
// keeps a shared record cache current, and serves LOOKUP/BROWSE/RESOLVE
// requests to local clients over a Unix-domain control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quietwire/mdnsqd/authority"
	"github.com/quietwire/mdnsqd/internal/cache"
	"github.com/quietwire/mdnsqd/internal/collaborator"
	"github.com/quietwire/mdnsqd/internal/control"
	"github.com/quietwire/mdnsqd/internal/engine"
	"github.com/quietwire/mdnsqd/internal/question"
	"github.com/quietwire/mdnsqd/internal/rr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	socketPath string
	interfaces string
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.socketPath, "socket", "/var/run/mdnsqd.sock", "control socket path")
	flag.StringVar(&f.interfaces, "interfaces", "", "comma-separated interface names to join (default: auto-detect)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")
	flag.BoolVar(&f.debug, "debug", false, "enable debug-level logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()
	log := configureLogger(flags)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := cache.New()
	reg := question.New(c)

	var ifaces []net.Interface
	if flags.interfaces != "" {
		var err error
		ifaces, err = namedInterfaces(strings.Split(flags.interfaces, ","))
		if err != nil {
			return fmt.Errorf("resolve -interfaces: %w", err)
		}
	}

	// collaborator.New needs a Sink to hand decoded records to, but the
	// engine (the real sink) needs the collaborator in hand first to build
	// its Collaborator reference. lazySink breaks the cycle: it forwards to
	// the engine once sink.eng is set below.
	sink := &lazySink{}
	collab, err := collaborator.New(sink, ifaces, collaborator.WithLogger(log))
	if err != nil {
		return fmt.Errorf("start network collaborator: %w", err)
	}
	defer collab.Close()

	eng := engine.New(c, reg, collab)
	sink.eng = eng
	go eng.Run(ctx)
	go collab.Run(ctx)

	pub := authority.New(eng, collab, authority.WithLogger(log))
	_ = pub // host record publication is driven by callers embedding this daemon; none registered by default

	ln, err := listenControlSocket(flags.socketPath)
	if err != nil {
		return fmt.Errorf("listen control socket: %w", err)
	}
	defer os.Remove(flags.socketPath)

	disp := control.New(eng, log)
	log.Info("mdnsqd starting", "socket", flags.socketPath, "interfaces", flags.interfaces)

	serveErr := disp.Serve(ctx, ln)
	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("control dispatcher exited: %w", serveErr)
	}
	log.Info("mdnsqd stopped")
	return nil
}

// lazySink forwards network-collaborator decodes to the engine once it
// exists; engine and collaborator are constructed in sequence but each
// needs a reference to the other at construction time.
type lazySink struct {
	eng *engine.Engine
}

func (s *lazySink) Deliver(rec *rr.Record, now time.Time) {
	if s.eng != nil {
		s.eng.Deliver(rec, now)
	}
}

func (s *lazySink) DeliverGoodbye(rec *rr.Record, now time.Time) {
	if s.eng != nil {
		s.eng.DeliverGoodbye(rec, now)
	}
}

func listenControlSocket(path string) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod control socket: %w", err)
	}
	return ln, nil
}

func configureLogger(f cliFlags) *slog.Logger {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f.jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func namedInterfaces(names []string) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []net.Interface
	for _, iface := range all {
		if want[iface.Name] {
			out = append(out, iface)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no matching interfaces found among %v", names)
	}
	return out, nil
}
