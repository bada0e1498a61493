package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/relayd/internal/config"
	"github.com/relaydesk/relayd/internal/display"
	"github.com/relaydesk/relayd/internal/driver"
	"github.com/relaydesk/relayd/internal/frameloop"
	"github.com/relaydesk/relayd/internal/logging"
	"github.com/relaydesk/relayd/internal/router"
	"github.com/relaydesk/relayd/internal/session"
	"github.com/relaydesk/relayd/internal/tlsconfig"
	"github.com/relaydesk/relayd/internal/transport"
)

const version = "0.1.0"

// daemonizedEnvVar marks a re-exec'd child as already detached, so it
// doesn't fork again.
const daemonizedEnvVar = "RELAYD_DAEMONIZED"

var (
	cfgFile     string
	portFlag    string
	addrFlag    string
	pidFile     string
	logLevel    string
	foreground  bool
	tlsCertPath string
	tlsKeyPath  string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Remote-desktop proxy daemon",
	Long:  "relayd multiplexes multiple viewers onto a single upstream remote-desktop session.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relayd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/relayd/relayd.yaml)")
	runCmd.Flags().StringVarP(&portFlag, "listen", "l", "", "TCP listen port (default 4822)")
	runCmd.Flags().StringVarP(&addrFlag, "bind", "b", "", "bind address")
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "L", "", "log level: debug|info|warning|error")
	runCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "stay attached to the controlling terminal")
	runCmd.Flags().StringVarP(&tlsCertPath, "tls-cert", "C", "", "TLS certificate path")
	runCmd.Flags().StringVarP(&tlsKeyPath, "tls-key", "K", "", "TLS private key path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rotatingLog *logging.RotatingWriter

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 50, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			rotatingLog = rw
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

// applyFlagOverrides lets explicit CLI flags win over the file/environment
// layer that config.Load already applied.
func applyFlagOverrides(cfg *config.Config) {
	if portFlag != "" {
		cfg.Listen = portFlag
	}
	if addrFlag != "" {
		cfg.Bind = addrFlag
	}
	if pidFile != "" {
		cfg.PIDFile = pidFile
	}
	if logLevel != "" {
		cfg.LogLevel = normalizeLogLevel(logLevel)
	}
	if tlsCertPath != "" {
		cfg.TLSCert = tlsCertPath
	}
	if tlsKeyPath != "" {
		cfg.TLSKey = tlsKeyPath
	}
	if foreground {
		cfg.Foreground = true
	}
}

// normalizeLogLevel accepts the CLI's "warning" spelling alongside slog's
// "warn", per spec.md's flag description.
func normalizeLogLevel(level string) string {
	if level == "warning" {
		return "warn"
	}
	return level
}

func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	if result := cfg.ValidateTiered(); result.HasFatals() {
		for _, e := range result.AllErrors() {
			fmt.Fprintln(os.Stderr, e)
		}
		os.Exit(1)
	}

	if !cfg.Foreground {
		if os.Getenv(daemonizedEnvVar) == "" {
			daemonize()
			return
		}
		if err := detachSession(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to detach session: %v\n", err)
			os.Exit(1)
		}
	}

	initLogging(cfg)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.Error("failed to write pid file", "path", cfg.PIDFile, "err", err)
			os.Exit(1)
		}
		defer os.Remove(cfg.PIDFile)
	}

	serverTLS, err := tlsconfig.Load(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		log.Error("failed to load TLS certificate", "err", err)
		os.Exit(1)
	}

	addr := net.JoinHostPort(cfg.Bind, cfg.Listen)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to bind listener", "addr", addr, "err", err)
		os.Exit(1)
	}
	log.Info("listening", "addr", addr, "tls", serverTLS != nil)

	registry := session.NewRegistry()
	loader := func(protocolName string) (driver.Driver, error) {
		return driver.NewMemDriver(nil), nil
	}

	routerCfg := router.DefaultConfig()
	routerCfg.SelectTimeout = time.Duration(cfg.SelectTimeoutSeconds) * time.Second
	routerCfg.HandshakeTimeout = time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second
	routerCfg.IdleTimeout = time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	routerCfg.DisplayWidth = cfg.MaxWidth
	routerCfg.DisplayHeight = cfg.MaxHeight
	routerCfg.DisplayConfig = display.Config{
		MaxWidth:          cfg.MaxWidth,
		MaxHeight:         cfg.MaxHeight,
		UpdateQueueDepth:  cfg.UpdateQueueDepth,
		HeatCellSize:      cfg.HeatCellSize,
		HeatHighWatermark: cfg.HeatHighWatermark,
		HeatLowWatermark:  cfg.HeatLowWatermark,
		HeatCooldown:      display.DefaultConfig().HeatCooldown,
	}

	r := router.New(registry, loader, routerCfg)

	go driveFrameLoops(registry, frameloop.Config{
		FrameStartTimeout: time.Duration(cfg.FrameStartTimeoutMS) * time.Millisecond,
		FrameDuration:     time.Duration(cfg.FrameDurationMS) * time.Millisecond,
		FrameTimeout:      time.Duration(cfg.FrameTimeoutMS) * time.Millisecond,
	})

	go func() {
		var serveErr error
		if serverTLS != nil {
			serveErr = r.ServeTLS(ln, func(conn net.Conn) (transport.DeadlineTransport, error) {
				return transport.NewTLSServerTransport(conn, serverTLS)
			})
		} else {
			serveErr = r.Serve(ln)
		}
		if serveErr != nil {
			log.Warn("listener stopped", "err", serveErr)
		}
	}()

	waitForShutdown(ln)
}

// daemonize re-execs the current binary with the same arguments and a
// sentinel env var, then exits the parent. The re-exec'd child calls
// detachSession (daemon_unix.go/daemon_windows.go) to leave the
// controlling terminal's session before it binds a listener.
func daemonize() {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
		os.Exit(1)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnvVar+"=1")
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin = devnull
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
		os.Exit(1)
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func waitForShutdown(ln net.Listener) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if rotatingLog != nil {
				if err := rotatingLog.Reopen(); err != nil {
					log.Warn("failed to reopen log file", "err", err)
				} else {
					log.Info("reopened log file")
				}
			}
			continue
		}
		log.Info("shutting down", "signal", sig.String())
		ln.Close()
		return
	}
}

// driveFrameLoops starts one frame-loop goroutine per session as it is
// registered. New sessions only ever appear via the router, which adds
// them to the registry after a successful handshake; this poll loop
// notices new ids and launches their pacing loop, rather than threading a
// notification channel through router/session for a single consumer.
func driveFrameLoops(registry *session.Registry, loopCfg frameloop.Config) {
	started := make(map[string]bool)
	for {
		registry.Range(func(id string, sess *session.Session) bool {
			if !started[id] {
				started[id] = true
				go frameloop.New(sess, loopCfg).Run()
			}
			return true
		})
		time.Sleep(100 * time.Millisecond)
	}
}
