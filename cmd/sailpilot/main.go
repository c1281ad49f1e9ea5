package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/SailPilot/internal/config"
	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/hw/gpio"
	"github.com/cjeanneret/SailPilot/internal/hw/pwm"
	"github.com/cjeanneret/SailPilot/internal/logic/helm"
	"github.com/cjeanneret/SailPilot/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.Usage = usage
	flag.Parse()

	// Positional commands, or the web server, never both
	cmds, err := parseCommands(flag.Args())
	if err != nil {
		log.Fatalf("invalid command line: %v", err)
	}
	if err := checkMode(webPort.port(), cmds); err != nil {
		if errors.Is(err, errNothingToDo) {
			usage()
			os.Exit(2)
		}
		log.Fatalf("invalid command line: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			debug.Error(fmt.Errorf("closing GPIO driver: %w", err))
		}
	}()

	// Initialize PWM driver (mock, rpio or pca9685)
	debug.Step(2, "Initializing PWM driver")
	debug.PrintStruct("PWM config", cfg.PWM)
	pwmDriver, err := pwm.NewDriver(cfg.PWM)
	if err != nil {
		log.Fatalf("init PWM failed: %v", err)
	}

	// Initialize helm: enable lines low, channels attached
	debug.Step(3, "Initializing helm")
	debug.PrintStruct("Winch config", cfg.Winch)
	debug.PrintStruct("Rudder config", cfg.Rudder)
	h := helm.New(helm.FromConfig(cfg), gpioDriver, pwmDriver, clock.New())
	if err := h.Init(ctx); err != nil {
		log.Fatalf("init helm failed: %v", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			debug.Error(fmt.Errorf("closing helm: %w", err))
		}
	}()

	// Web mode: serve until interrupted
	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv := web.NewServer(webAddr, broadcaster, h)
		if err := srv.Run(ctx); err != nil {
			shutdown(h, gpioDriver)
			log.Fatalf("web server: %v", err)
		}
		return
	}

	// One-shot mode: run the commands in order
	debug.Section("Commands")
	if err := runCommands(ctx, h, cmds); err != nil {
		shutdown(h, gpioDriver)
		log.Fatalf("command failed: %v", err)
	}
	debug.Section("Done")
}

// shutdown drops every enable line before a fatal exit skips the defers.
func shutdown(h *helm.Helm, g gpio.Driver) {
	if err := h.Close(); err != nil {
		debug.Error(fmt.Errorf("closing helm: %w", err))
	}
	if err := g.Close(); err != nil {
		debug.Error(fmt.Errorf("closing GPIO driver: %w", err))
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] [command args...]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(out, "Commands (run in order):")
	fmt.Fprintln(out, "  center                  center the winch, then the rudder")
	fmt.Fprintln(out, "  winch N                 move the winch to N degrees")
	fmt.Fprintln(out, "  normalized N [LOW HIGH] map N from [LOW,HIGH] (default 0 90) onto the winch range")
	fmt.Fprintln(out, "  rudder N                move the rudder to N degrees")
	fmt.Fprintln(out, "  from-center N           move the rudder N degrees from center")
	fmt.Fprintln(out, "  heel N                  set the heel offset for the following rudder moves")
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
