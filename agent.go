package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dubu/turbo-nfc/bridge"
	"github.com/dubu/turbo-nfc/certs"
	"github.com/dubu/turbo-nfc/config"
	"github.com/dubu/turbo-nfc/events"
	"github.com/dubu/turbo-nfc/nfc"
	"github.com/dubu/turbo-nfc/server"
	"github.com/dubu/turbo-nfc/session"
)

var ErrAgentRunning = errors.New("agent is already running")

// Agent wires the reader, the TurboNfc module, the event relays and the
// server together. A stopped agent can be started again, possibly on a
// different device.
type Agent struct {
	Logger  *log.Logger
	Config  *config.Config
	Manager nfc.Manager

	// Clock drives the poller and reader sessions. Nil uses the wall clock.
	Clock nfc.Clock

	// openSinks builds the configured event sinks; replaced in tests.
	openSinks func(cfg *config.Config) ([]events.Sink, error)

	mu  sync.Mutex
	cur *runState
}

// runState is everything owned by one Start/Stop cycle.
type runState struct {
	device   string
	poller   *nfc.Poller
	module   *bridge.Module
	registry *bridge.Registry
	relay    *events.Relay
	server   *server.Server
	certs    *certs.Store

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewAgent(cfg *config.Config, manager nfc.Manager) *Agent {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Agent{
		Logger:    log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Config:    cfg,
		Manager:   manager,
		openSinks: openSinks,
	}
}

// Start connects to devicePath (empty for the configured device, or the
// first reader) and serves the module until Stop.
func (a *Agent) Start(devicePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if devicePath == "" {
		devicePath = a.Config.Reader.Device
	}
	if a.cur != nil {
		if a.cur.device == devicePath {
			a.Logger.Printf("Already running on device %q", devicePath)
			return nil
		}
		return ErrAgentRunning
	}

	rs, err := a.build(devicePath)
	if err != nil {
		return err
	}

	if err := rs.start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rs.server.Run(gctx) })
	g.Go(func() error {
		a.watchStatus(gctx, rs.poller)
		return nil
	})

	rs.cancel = cancel
	rs.done = make(chan struct{})
	go func() {
		rs.err = g.Wait()
		close(rs.done)
	}()

	a.cur = rs
	a.Logger.Printf("Agent started (device %q)", devicePath)
	return nil
}

// start brings up the poller and the event relay. On failure nothing is
// left running and the sinks are closed.
func (rs *runState) start() error {
	rs.poller.Start()
	if err := rs.relay.Start(); err != nil {
		rs.poller.Stop()
		closeSinks(rs.relay.Sinks())
		return fmt.Errorf("start event relay: %w", err)
	}
	return nil
}

func (a *Agent) build(devicePath string) (*runState, error) {
	if a.Manager == nil {
		return nil, errors.New("nfc manager cannot be nil")
	}
	cfg := a.Config

	poller, err := nfc.NewPoller(a.Manager, devicePath, a.Clock)
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	opts := []session.Option{
		session.WithTimeout(cfg.Reader.SessionTimeout),
		session.WithInvalidateAfterFirstRead(cfg.Reader.InvalidateAfterFirstRead),
		session.WithTechnologies(cfg.Reader.Technologies...),
		session.WithAlertMessage(cfg.Reader.AlertMessage),
	}
	if a.Clock != nil {
		opts = append(opts, session.WithClock(a.Clock))
	}
	module := bridge.NewModule(bridge.Config{
		Manager:        a.Manager,
		Reader:         poller,
		SessionOptions: opts,
	})
	if cfg.Reader.InfoPageTagID != "" {
		module.SetInfoPageTagID(cfg.Reader.InfoPageTagID)
	}

	registry := bridge.NewRegistry()
	if err := registry.Register(module); err != nil {
		return nil, err
	}

	sinks, err := a.openSinks(cfg)
	if err != nil {
		return nil, err
	}
	relay := events.NewRelay(module.Emitter(), sinks...)

	srvCfg := server.Config{
		Registry:       registry,
		Status:         poller.Status,
		Addr:           cfg.Addr(),
		APISecret:      cfg.Server.APISecret,
		TokenTTL:       cfg.Server.TokenTTL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MDNS:           cfg.Server.MDNS,
	}

	var store *certs.Store
	if cfg.Server.TLS {
		store, err = a.ensureCerts(&srvCfg)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		closeSinks(sinks)
		return nil, err
	}

	return &runState{
		device:   devicePath,
		poller:   poller,
		module:   module,
		registry: registry,
		relay:    relay,
		server:   srv,
		certs:    store,
	}, nil
}

func (a *Agent) ensureCerts(srvCfg *server.Config) (*certs.Store, error) {
	dir, err := certs.DefaultDir()
	if err != nil {
		return nil, err
	}
	store := certs.NewStore(dir)
	certFile, keyFile, err := store.Ensure()
	if err != nil {
		return nil, fmt.Errorf("prepare TLS certificates: %w", err)
	}
	if fp, err := store.CAFingerprint(); err == nil {
		a.Logger.Printf("TLS enabled, CA fingerprint %s", fp)
	}
	srvCfg.CertFile = certFile
	srvCfg.KeyFile = keyFile
	srvCfg.CAHandler = store.CAHandler()
	return store, nil
}

// openSinks connects the relays named in cfg. A sink that cannot connect
// fails startup.
func openSinks(cfg *config.Config) ([]events.Sink, error) {
	source := cfg.Events.Source
	if source == "" {
		source, _ = os.Hostname()
	}

	var sinks []events.Sink
	if r := cfg.Events.Redis; r.Addr != "" {
		sink, err := events.NewRedisSink(events.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
			Source:   source,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if n := cfg.Events.NATS; n.URL != "" {
		sink, err := events.NewNATSSink(events.NATSConfig{
			URL:     n.URL,
			Subject: n.Subject,
			Source:  source,
		})
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func closeSinks(sinks []events.Sink) {
	for _, s := range sinks {
		s.Close()
	}
}

func (a *Agent) watchStatus(ctx context.Context, poller *nfc.Poller) {
	var last nfc.DeviceStatus
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-poller.StatusUpdates():
			if st.Connected != last.Connected || st.Device != last.Device {
				a.Logger.Printf("Reader status: %s", st.Message)
			}
			last = st
		}
	}
}

// Stop ends any active reader session and shuts everything down. It
// returns the first error the server reported.
func (a *Agent) Stop() error {
	a.mu.Lock()
	rs := a.cur
	a.cur = nil
	a.mu.Unlock()

	if rs == nil {
		a.Logger.Println("Agent is not running")
		return nil
	}

	a.Logger.Println("Stopping agent...")
	if err := rs.module.Shutdown(context.Background(), "agent stopped"); err != nil {
		a.Logger.Printf("End reader session: %v", err)
	}

	rs.cancel()
	<-rs.done
	rs.server.Close()

	errs := []error{rs.err}
	if err := rs.relay.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop event relay: %w", err))
	}
	rs.poller.Stop()

	a.Logger.Println("Agent stopped")
	return errors.Join(errs...)
}

// Run starts the agent and blocks until ctx is done or the server fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(""); err != nil {
		return err
	}
	a.mu.Lock()
	done := a.cur.done
	a.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return a.Stop()
}

// Close stops the agent and releases host resources held by the manager.
func (a *Agent) Close() error {
	err := a.Stop()
	if r, ok := a.Manager.(nfc.Releaser); ok {
		err = errors.Join(err, r.Release())
	}
	return err
}

func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil
}

// Device is the device path the running agent was started with.
func (a *Agent) Device() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return ""
	}
	return a.cur.device
}

// Module returns the running TurboNfc module, or nil when stopped.
func (a *Agent) Module() *bridge.Module {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return nil
	}
	return a.cur.module
}

func (a *Agent) Status() nfc.DeviceStatus {
	a.mu.Lock()
	rs := a.cur
	a.mu.Unlock()
	if rs == nil {
		return nfc.DeviceStatus{Message: "Stopped"}
	}
	return rs.poller.Status()
}

func (a *Agent) LastTag() nfc.Tag {
	a.mu.Lock()
	rs := a.cur
	a.mu.Unlock()
	if rs == nil {
		return nil
	}
	return rs.poller.LastTag()
}

// Addr is the server's bound address. It blocks until the listener is up.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	rs := a.cur
	a.mu.Unlock()
	if rs == nil {
		return nil
	}
	return rs.server.Addr()
}

func (a *Agent) TLSEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil && a.cur.certs != nil
}
