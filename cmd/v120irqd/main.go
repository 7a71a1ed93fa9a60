// Command v120irqd is the VME interrupt dispatcher daemon: it multiplexes
// hardware interrupt events from up to sixteen V120 crates onto local
// client processes that register subscriptions over an AF_UNIX
// SOCK_SEQPACKET socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sys/unix"

	"github.com/hightec/v120irqd/internal/config"
	"github.com/hightec/v120irqd/internal/dispatcher"
	"github.com/hightec/v120irqd/internal/logging"
	"github.com/hightec/v120irqd/internal/metrics"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const usage = `Usage: v120irqd [OPTIONS...]

    -debug        Debug mode: include DEBUG-level log lines.
    -fake-ok      Allow clients to send fake (synthetic) interrupts.
    -no-vme       Skip crate enumeration. Implies -fake-ok.
    -foreground   Run in the foreground. Default is to detach to background.
    -help         Print this help and exit.
    -version      Print the program version and exit.
`

// reexecEnv marks a process that has already gone through the
// detach-to-background re-exec, so daemonize doesn't loop forever. Unlike
// the original daemon's daemon(3) call, which simply forks and keeps every
// already-open descriptor, Go programs with multiple OS threads can't fork
// safely; detaching is done before any crate or socket is opened by
// re-executing the same binary under setsid with stdio redirected to
// /dev/null, one time, ahead of any hardware state.
const reexecEnv = "V120IRQD_DETACHED"

func main() {
	var (
		debug      = flag.Bool("debug", false, "enable debug logging")
		fakeOK     = flag.Bool("fake-ok", false, "allow client-injected SIGNAL frames")
		noVME      = flag.Bool("no-vme", false, "skip crate enumeration (implies -fake-ok)")
		foreground = flag.Bool("foreground", false, "do not detach to background")
		showHelp   = flag.Bool("help", false, "print usage and exit")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *showHelp {
		fmt.Print(usage)
		os.Exit(0)
	}
	if *showVer {
		fmt.Printf("v120irqd %s\n", version)
		os.Exit(0)
	}
	if *noVME {
		*fakeOK = true
	}

	bootstrap := log.New(os.Stdout, "[v120irqd] ", log.LstdFlags)

	if !*foreground && os.Getenv(reexecEnv) == "" {
		if err := daemonize(); err != nil {
			bootstrap.Fatalf("failed to detach to background: %v", err)
		}
		return
	}

	bootstrap.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)
	logger.Info().Str("version", version).Msg("starting v120irqd")

	m := metrics.New()
	metricsServer := metrics.NewServer(cfg.MetricsAddr, m)
	go metricsServer.Run(logger)

	d, err := dispatcher.New(dispatcher.Options{
		SocketName:      cfg.SocketName,
		ListenBacklog:   cfg.ListenBacklog,
		DeliveryTimeout: cfg.DeliveryTimeout,
		FakeOK:          *fakeOK,
		NoVME:           *noVME,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dispatcher")
	}

	if err := setRTPriority(); err != nil {
		logger.Warn().Err(err).Msg("could not set real-time scheduling and lock memory, continuing at default priority")
	} else {
		logger.Debug().Msg("real-time priority and memory lock set")
	}

	logger.Info().Msg("waiting for connections")
	runErr := d.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("dispatcher loop failed")
	}
	logger.Info().Msg("shutting down, goodbye")
}

// daemonize re-executes the running binary with the same arguments plus
// reexecEnv set, detached into its own session with stdio redirected to
// /dev/null, and exits the parent immediately -- the observable behavior
// of the original daemon(0, 0) call, achieved without relying on fork()
// inside a multi-threaded Go runtime.
func daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	attr := &os.ProcAttr{
		Dir:   "/",
		Env:   append(os.Environ(), reexecEnv+"=1"),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return fmt.Errorf("start detached process: %w", err)
	}
	return proc.Release()
}

// schedParam mirrors struct sched_param from sched.h: on every Linux
// architecture it is a single int, the only field sched_setscheduler
// reads for SCHED_FIFO/SCHED_RR.
type schedParam struct {
	Priority int32
}

// setRTPriority attempts SCHED_FIFO at the maximum allowed priority and
// locks all current and future pages into memory, matching
// set_rtpriority() in the original server. Both calls require elevated
// privileges; failure here is logged and treated as non-fatal, exactly as
// the specification requires. The scheduling call is issued directly via
// unix.Syscall rather than a higher-level wrapper, since sched_setscheduler
// has no stable cross-platform signature in golang.org/x/sys/unix.
func setRTPriority() error {
	maxPrio, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MAX, uintptr(unix.SCHED_FIFO), 0, 0)
	if errno != 0 {
		return fmt.Errorf("sched_get_priority_max: %w", errno)
	}
	param := schedParam{Priority: int32(maxPrio)}
	_, _, errno = unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return fmt.Errorf("sched_setscheduler: %w", errno)
	}
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

func init() {
	signal.Ignore(syscall.SIGPIPE)
}
