// Command luatt bridges a host to a microcontroller scripting runtime over
// a USB serial link (or a local socket, when attaching to an instance
// already holding the device open), loads scripts onto it, exposes an
// interactive evaluator, and relays publish/subscribe traffic to an MQTT
// broker.
//
// Startup and REPL shape grounded on
// _examples/sandia-minimega-minimega/cmd/minimega/main.go and
// pkg/miniclient.Conn.Attach (positional CLI args, os/signal handling, a
// liner-backed prompt loop); the protocol semantics are
// _examples/original_source/luatt.py's.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/ryanrsrs/luatt/internal/attach"
	"github.com/ryanrsrs/luatt/internal/bus"
	"github.com/ryanrsrs/luatt/internal/issuer"
	"github.com/ryanrsrs/luatt/internal/loader"
	"github.com/ryanrsrs/luatt/internal/router"
	"github.com/ryanrsrs/luatt/internal/sdnotify"
	"github.com/ryanrsrs/luatt/internal/transport"
	log "github.com/ryanrsrs/luatt/pkg/llog"
)

const versionTimeout = 10 * time.Second

func usage() {
	fmt.Fprintln(os.Stderr, "usage: luatt <device-or-socket> [--mqtt=HOST[:PORT]] [--logfile=PATH] [--level=LEVEL] [-r] [eval:EXPR] [target...]")
}

type options struct {
	devicePath string
	mqttAddr   string
	logfile    string
	level      log.Level
	reset      bool
	evals      []string
	targets    []string
}

// defaultLogfile is the per-process log file luatt writes to unless
// overridden by --logfile, mirroring luatt.py's LogPath
// (/tmp/luatt.<pid>.log).
func defaultLogfile() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("luatt.%d.log", os.Getpid()))
}

func parseArgs(args []string) (options, error) {
	o := options{logfile: defaultLogfile(), level: log.WARN}
	if len(args) == 0 {
		return o, fmt.Errorf("missing device or socket path")
	}
	o.devicePath = args[0]

	for _, a := range args[1:] {
		switch {
		case strings.HasPrefix(a, "--mqtt="):
			o.mqttAddr = strings.TrimPrefix(a, "--mqtt=")
		case strings.HasPrefix(a, "--logfile="):
			o.logfile = strings.TrimPrefix(a, "--logfile=")
		case strings.HasPrefix(a, "--level="):
			lvl, err := log.ParseLevel(strings.TrimPrefix(a, "--level="))
			if err != nil {
				return o, err
			}
			o.level = lvl
		case a == "-r":
			o.reset = true
		case strings.HasPrefix(a, "eval:"):
			o.evals = append(o.evals, strings.TrimPrefix(a, "eval:"))
		default:
			o.targets = append(o.targets, a)
		}
	}
	return o, nil
}

// createLogSymlink points the stable name "luatt.log", alongside logPath,
// at logPath's basename, replacing any existing symlink. Mirrors
// luatt.py's create_log_symlink, called only for the primary (serial)
// process so downstream attach clients don't fight over the stable name.
func createLogSymlink(logPath string) error {
	if logPath == "" {
		return nil
	}
	symlinkPath := filepath.Join(filepath.Dir(logPath), "luatt.log")
	if fi, err := os.Lstat(symlinkPath); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			os.Remove(symlinkPath)
		} else {
			return nil
		}
	}
	return os.Symlink(filepath.Base(logPath), symlinkPath)
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		log.AddLogger("stderr", os.Stderr, log.WARN)
		usage()
		os.Exit(2)
	}

	if err := log.Init(opts.level, opts.logfile); err != nil {
		log.Error("%v", err)
	}

	tr, err := transport.Open(opts.devicePath)
	if err != nil {
		log.Error("%v", err)
		os.Exit(5)
	}

	if opts.mqttAddr != "" && !tr.IsSerial() {
		log.Error("--mqtt is only valid with a serial transport")
		os.Exit(2)
	}

	r := router.New(tr, os.Stdout)
	go r.Run()

	iss := issuer.New(r, os.Stdout)

	var attachSrv *attach.Server
	var mqttBridge *bus.Bridge

	if tr.IsSerial() {
		if err := createLogSymlink(opts.logfile); err != nil {
			log.Error("log symlink: %v", err)
		}

		if err := iss.AwaitVersion(versionTimeout); err != nil {
			log.Error("%v", err)
			os.Exit(3)
		}

		now := time.Now()
		sec, ms := now.Unix(), now.Nanosecond()/1e6
		if err := iss.FireAndForget("eval", []byte(fmt.Sprintf("Luatt.time.set_unix(%d,%d)", sec, ms))); err != nil {
			log.Error("time sync: %v", err)
		}

		sockPath, symPath := attach.Paths(os.TempDir(), os.Getpid(), opts.devicePath)
		attachSrv, err = attach.Start(sockPath, symPath, r)
		if err != nil {
			log.Error("attach server: %v", err)
		}

		if opts.mqttAddr != "" {
			mqttBridge = bus.New(r)
			r.SetBus(mqttBridge)
			if err := mqttBridge.Connect(opts.mqttAddr); err != nil {
				log.Error("bus: %v", err)
				os.Exit(2)
			}
		} else {
			r.SetBus(bus.New(r))
		}
	} else {
		if err := iss.FireAndForget("reconnect", []byte(fmt.Sprintf("%d", os.Getppid()))); err != nil {
			log.Error("announcing to attach server: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		shutdown(tr, attachSrv)
		os.Exit(0)
	}()

	if opts.reset {
		if fields, err := iss.Request("reset"); err != nil {
			log.Error("reset: %v", err)
		} else {
			printResult(fields)
		}
	}

	for _, path := range opts.targets {
		loadTarget(iss, path, false)
	}

	for _, expr := range opts.evals {
		if fields, err := iss.Request("eval", []byte(expr)); err != nil {
			log.Error("eval: %v", err)
		} else {
			printResult(fields)
		}
	}

	if err := sdnotify.Ready(); err != nil {
		log.Error("sdnotify: %v", err)
	}

	if len(opts.evals) > 0 || len(opts.targets) > 0 {
		shutdown(tr, attachSrv)
		return
	}

	if isTerminal(os.Stdin) {
		repl(iss, r)
	} else {
		<-r.Done()
	}

	shutdown(tr, attachSrv)
}

func loadTarget(iss *issuer.Issuer, path string, compile bool) {
	entries, err := loader.Load(path)
	if err != nil {
		log.Error("!load: %v", err)
		return
	}
	if err := loader.SendAll(iss, entries, compile); err != nil {
		log.Error("!load: %v", err)
	}
}

// repl drives the interactive prompt when stdin is a terminal: bare lines
// are sent as eval, "!"-prefixed lines are meta-commands.
func repl(iss *issuer.Issuer, r *router.Router) {
	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	for {
		line, err := input.Prompt("luatt> ")
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		select {
		case <-r.Done():
			return
		default:
		}

		handleLine(iss, line)
	}
}

func handleLine(iss *issuer.Issuer, line string) {
	switch {
	case line == "!exit" || line == "!quit":
		os.Exit(0)
	case line == "!reset":
		if fields, err := iss.Request("reset"); err != nil {
			log.Error("reset: %v", err)
		} else {
			printResult(fields)
		}
	case line == "!reload":
		// no-op: kept for compatibility with scripts that issue it
		// unconditionally after a !load.
	case strings.HasPrefix(line, "!load "):
		for _, p := range strings.Fields(strings.TrimPrefix(line, "!load ")) {
			loadTarget(iss, p, false)
		}
	case strings.HasPrefix(line, "!compile "):
		for _, p := range strings.Fields(strings.TrimPrefix(line, "!compile ")) {
			loadTarget(iss, p, true)
		}
	case strings.HasPrefix(line, "!"):
		log.Error("unknown command: %s", line)
	default:
		if fields, err := iss.Request("eval", []byte(line)); err != nil {
			log.Error("eval: %v", err)
		} else {
			printResult(fields)
		}
	}
}

// printResult writes a completed request's reply frame (token, "ret",
// results...) to stdout as pipe-joined fields, excluding the token.
// This is the only place a request's final "ret" frame is printed
// (earlier frames under the same token are printed by the issuer): the
// router's own default output is reserved for frames with no waiting
// caller.
func printResult(fields [][]byte) {
	if len(fields) < 2 {
		return
	}
	parts := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		parts = append(parts, string(f))
	}
	fmt.Println(strings.Join(parts, "|"))
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func shutdown(tr transport.Transport, attachSrv *attach.Server) {
	if attachSrv != nil {
		attachSrv.Close()
	}
	tr.Close()
}
