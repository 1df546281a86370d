// Command turbo-nfc runs the TurboNfc bridge agent: it polls an NFC reader
// and exposes tag reading to application runtimes over HTTP and
// WebSocket. By default it lives in the system tray; --cli runs it
// headless.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/systray"
	"github.com/spf13/cobra"

	"github.com/dubu/turbo-nfc/buildinfo"
	"github.com/dubu/turbo-nfc/config"
	"github.com/dubu/turbo-nfc/nfc"
)

// newManager is swapped out in tests.
var newManager = nfc.NewManagerForDriver

type cliFlags struct {
	configFile     string
	envFile        string
	cli            bool
	device         string
	driver         string
	port           int
	apiSecret      string
	sessionTimeout time.Duration
	redisAddr      string
	natsURL        string
	tls            bool
	noMDNS         bool
}

func newRootCommand() *cobra.Command {
	var f cliFlags

	rootCmd := &cobra.Command{
		Use:           buildinfo.Name,
		Short:         buildinfo.Description,
		Version:       buildinfo.FullVersion(),
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			manager, err := newManager(cfg.Reader.Driver)
			if err != nil {
				return err
			}
			agent := NewAgent(cfg, manager)

			if f.cli {
				return runHeadless(cmd.Context(), agent)
			}
			runTray(agent)
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.configFile, "config", "", "Path to the YAML config file")
	pf.StringVar(&f.envFile, "env-file", config.DefaultEnvFile, "Path to a .env file with TURBONFC_* variables")
	pf.StringVar(&f.driver, "driver", nfc.DriverLibNFC, "Reader driver (libnfc or pcsc)")

	fl := rootCmd.Flags()
	fl.BoolVar(&f.cli, "cli", false, "Run in CLI mode (default: system tray mode)")
	fl.StringVar(&f.device, "device", "", "Path to NFC device (optional)")
	fl.IntVar(&f.port, "port", config.DefaultPort, "Port to listen on")
	fl.StringVar(&f.apiSecret, "api-secret", "", "API secret for session handshake (optional)")
	fl.DurationVar(&f.sessionTimeout, "session-timeout", config.DefaultSessionTimeout, "Reader session timeout")
	fl.StringVar(&f.redisAddr, "redis-addr", "", "Relay events to this Redis server")
	fl.StringVar(&f.natsURL, "nats-url", "", "Relay events to this NATS server")
	fl.BoolVar(&f.tls, "tls", false, "Serve HTTPS with a locally trusted certificate")
	fl.BoolVar(&f.noMDNS, "no-mdns", false, "Disable mDNS advertisement")

	rootCmd.AddCommand(newDevicesCommand(&f), newVersionCommand())
	return rootCmd
}

func newDevicesCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available NFC readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			manager, err := newManager(cfg.Reader.Driver)
			if err != nil {
				return err
			}
			if r, ok := manager.(nfc.Releaser); ok {
				defer r.Release()
			}
			return listDevices(cmd.OutOrStdout(), manager)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.BuildInfo())
			fmt.Fprintf(cmd.OutOrStdout(), "  libnfc: %s\n", nfc.LibNFCVersion())
		},
	}
}

func listDevices(w io.Writer, manager nfc.Manager) error {
	devices, err := manager.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No NFC readers found")
		return nil
	}
	for i, d := range devices {
		fmt.Fprintf(w, "%d: %s\n", i, d)
	}
	return nil
}

// loadConfig reads the config file and environment, then applies the
// flags the user actually set.
func loadConfig(cmd *cobra.Command, f *cliFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile, f.envFile)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, f, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, f *cliFlags, cfg *config.Config) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}

	if changed("driver") {
		cfg.Reader.Driver = f.driver
	}
	if changed("device") {
		cfg.Reader.Device = f.device
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("api-secret") {
		cfg.Server.APISecret = f.apiSecret
	}
	if changed("session-timeout") {
		cfg.Reader.SessionTimeout = f.sessionTimeout
	}
	if changed("redis-addr") {
		cfg.Events.Redis.Addr = f.redisAddr
	}
	if changed("nats-url") {
		cfg.Events.NATS.URL = f.natsURL
	}
	if changed("tls") {
		cfg.Server.TLS = f.tls
	}
	if changed("no-mdns") {
		cfg.Server.MDNS = !f.noMDNS
	}
}

func runHeadless(ctx context.Context, agent *Agent) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if r, ok := agent.Manager.(nfc.Releaser); ok {
			r.Release()
		}
	}()

	err := agent.Run(ctx)
	if ctx.Err() != nil {
		log.Println("Shutdown signal received, server stopped")
	}
	return err
}

func runTray(agent *Agent) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		systray.Quit()
	}()

	app := NewSystrayApp(agent)
	systray.Run(app.OnReady, app.OnExit)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
