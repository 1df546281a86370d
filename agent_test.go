package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubu/turbo-nfc/bridge"
	"github.com/dubu/turbo-nfc/config"
	"github.com/dubu/turbo-nfc/events"
	"github.com/dubu/turbo-nfc/nfc"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.MDNS = false
	cfg.Reader.SessionTimeout = 5 * time.Second
	return cfg
}

func newTestAgent(t *testing.T) (*Agent, *nfc.MockManager) {
	t.Helper()
	manager := nfc.NewMockManager()
	agent := NewAgent(testConfig(), manager)
	agent.Logger.SetOutput(testWriter{t})
	t.Cleanup(func() { agent.Stop() })
	return agent, manager
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func TestAgent_StartStop(t *testing.T) {
	agent, _ := newTestAgent(t)

	require.NoError(t, agent.Start(""))
	assert.True(t, agent.Running())
	require.NotNil(t, agent.Module())

	addr := agent.Addr()
	require.NotNil(t, addr)
	resp, err := http.Get("http://" + addr.String() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Same device is a no-op, a different one needs a stop first.
	assert.NoError(t, agent.Start(""))
	assert.ErrorIs(t, agent.Start("mock:usb:002"), ErrAgentRunning)

	require.NoError(t, agent.Stop())
	assert.False(t, agent.Running())
	assert.Nil(t, agent.Module())
	assert.Nil(t, agent.LastTag())
	assert.Equal(t, "Stopped", agent.Status().Message)
	assert.NoError(t, agent.Stop())

	// Restartable.
	require.NoError(t, agent.Start("mock:usb:002"))
	assert.Equal(t, "mock:usb:002", agent.Device())
}

func TestAgent_ReadsTagThroughModule(t *testing.T) {
	agent, manager := newTestAgent(t)
	require.NoError(t, agent.Start(""))
	module := agent.Module()

	discovered := make(chan bridge.Event, 4)
	require.NoError(t, module.AddListener(bridge.EventTagDiscovered))
	unsubscribe := module.Emitter().Subscribe(func(ev bridge.Event) {
		if ev.Name == bridge.EventTagDiscovered {
			discovered <- ev
		}
	})
	defer unsubscribe()

	type outcome struct {
		res bridge.ReadResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := module.StartTagReading(context.Background())
		done <- outcome{res, err}
	}()

	require.Eventually(t, module.Active, 2*time.Second, 10*time.Millisecond)
	manager.MockDevice.SetTags([]nfc.Tag{nfc.NewDetectedTag("04A1B2C3", "MIFARE Ultralight", "")})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.res.Success)
		assert.Equal(t, "04A1B2C3", out.res.Payload)
	case <-time.After(3 * time.Second):
		t.Fatal("startTagReading did not settle")
	}

	select {
	case ev := <-discovered:
		assert.Equal(t, "04A1B2C3", ev.Body["tagId"])
	case <-time.After(time.Second):
		t.Fatal("no onTagDiscovered event")
	}

	require.Eventually(t, func() bool { return agent.LastTag() != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "04A1B2C3", agent.LastTag().UID())
}

func TestAgent_StopSettlesPendingRead(t *testing.T) {
	agent, _ := newTestAgent(t)
	require.NoError(t, agent.Start(""))
	module := agent.Module()

	done := make(chan bridge.ReadResult, 1)
	go func() {
		res, _ := module.StartTagReading(context.Background())
		done <- res
	}()
	require.Eventually(t, module.Active, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, agent.Stop())
	select {
	case res := <-done:
		assert.False(t, res.Success)
	case <-time.After(3 * time.Second):
		t.Fatal("pending read was not settled by Stop")
	}
}

func TestAgent_StopReportsSessionError(t *testing.T) {
	agent, _ := newTestAgent(t)
	require.NoError(t, agent.Start(""))
	module := agent.Module()

	errs := make(chan bridge.Event, 1)
	require.NoError(t, module.AddListener(bridge.EventSessionError))
	defer module.Emitter().Subscribe(func(ev bridge.Event) {
		if ev.Name == bridge.EventSessionError {
			errs <- ev
		}
	})()

	done := make(chan bridge.ReadResult, 1)
	go func() {
		res, _ := module.StartTagReading(context.Background())
		done <- res
	}()
	require.Eventually(t, module.Active, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, agent.Stop())

	res := <-done
	assert.Contains(t, res.Message, "agent stopped")
	select {
	case ev := <-errs:
		assert.Equal(t, bridge.CodeNFCError, ev.Body["code"])
	case <-time.After(time.Second):
		t.Fatal("no nfcSessionError on stop")
	}
}

func TestAgent_ReaderOptionsFromConfig(t *testing.T) {
	agent, manager := newTestAgent(t)
	agent.Config.Reader.Technologies = []string{nfc.TechISO14443B}
	agent.Config.Reader.AlertMessage = "Tap your badge"
	require.NoError(t, agent.Start(""))
	module := agent.Module()

	status := make(chan bridge.Event, 4)
	require.NoError(t, module.AddListener(bridge.EventStatusChange))
	defer module.Emitter().Subscribe(func(ev bridge.Event) {
		if ev.Name == bridge.EventStatusChange {
			status <- ev
		}
	})()

	done := make(chan bridge.ReadResult, 1)
	go func() {
		res, _ := module.StartTagReading(context.Background())
		done <- res
	}()

	select {
	case ev := <-status:
		assert.Equal(t, "Tap your badge", ev.Body["message"])
	case <-time.After(2 * time.Second):
		t.Fatal("session did not become active")
	}

	manager.MockDevice.SetTags([]nfc.Tag{nfc.NewDetectedTag("04A1B2C3", "MIFARE Ultralight", nfc.TechISO14443A)})
	select {
	case res := <-done:
		t.Fatalf("tag of a filtered technology settled the read: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}

	manager.MockDevice.SetTags([]nfc.Tag{nfc.NewDetectedTag("0B0C0D0E", "ISO14443B", nfc.TechISO14443B)})
	select {
	case res := <-done:
		assert.True(t, res.Success)
		assert.Equal(t, "0B0C0D0E", res.Payload)
	case <-time.After(3 * time.Second):
		t.Fatal("startTagReading did not settle")
	}
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	agent, _ := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- agent.Run(ctx) }()

	require.Eventually(t, agent.Running, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, agent.Running())
}

func TestAgent_RunReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	agent, _ := newTestAgent(t)
	agent.Config.Server.Port = ln.Addr().(*net.TCPAddr).Port

	errc := make(chan error, 1)
	go func() { errc <- agent.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail on a busy port")
	}
}

func TestAgent_SinkFailureAbortsStart(t *testing.T) {
	agent, _ := newTestAgent(t)
	agent.openSinks = func(*config.Config) ([]events.Sink, error) {
		return nil, errors.New("redis down")
	}

	assert.EqualError(t, agent.Start(""), "redis down")
	assert.False(t, agent.Running())
}

type closeRecorder struct {
	mu     sync.Mutex
	closed int
}

func (s *closeRecorder) Name() string                                { return "recorder" }
func (s *closeRecorder) Publish(context.Context, bridge.Event) error { return nil }

func (s *closeRecorder) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *closeRecorder) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRunState_RelayFailureClosesSinks(t *testing.T) {
	poller, err := nfc.NewPoller(nfc.NewMockManager(), "", nil)
	require.NoError(t, err)

	sink := &closeRecorder{}
	relay := events.NewRelay(bridge.NewEmitter(bridge.EventTagDiscovered), sink)
	// A running relay refuses a second Start.
	require.NoError(t, relay.Start())

	rs := &runState{poller: poller, relay: relay}
	assert.ErrorIs(t, rs.start(), events.ErrRelayStarted)
	assert.Equal(t, 1, sink.closeCount())
}

func TestAgent_NilManager(t *testing.T) {
	agent := NewAgent(testConfig(), nil)
	assert.Error(t, agent.Start(""))
}

func TestOpenSinks_NoneConfigured(t *testing.T) {
	sinks, err := openSinks(testConfig())
	require.NoError(t, err)
	assert.Empty(t, sinks)
}

func TestApplyFlags(t *testing.T) {
	var f cliFlags
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().IntVar(&f.port, "port", config.DefaultPort, "")
	cmd.Flags().StringVar(&f.device, "device", "", "")
	cmd.Flags().BoolVar(&f.noMDNS, "no-mdns", false, "")
	cmd.Flags().DurationVar(&f.sessionTimeout, "session-timeout", config.DefaultSessionTimeout, "")
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9000", "--no-mdns", "--session-timeout", "15s"}))

	cfg := config.Default()
	cfg.Reader.Device = "from-file"
	applyFlags(cmd, &f, cfg)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Server.MDNS)
	assert.Equal(t, 15*time.Second, cfg.Reader.SessionTimeout)
	assert.Equal(t, "from-file", cfg.Reader.Device, "unset flags keep file values")
}

func TestDevicesCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "turbo-nfc.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("reader:\n  driver: libnfc\n"), 0o600))

	var driver string
	orig := newManager
	newManager = func(d string) (nfc.Manager, error) {
		driver = d
		m := nfc.NewMockManager()
		m.SetDevices([]string{"pn532_uart:/dev/ttyUSB0", "acr122_usb:001"})
		return m, nil
	}
	defer func() { newManager = orig }()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"), "--driver", "pcsc"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, nfc.DriverPCSC, driver)
	assert.Equal(t, "0: pn532_uart:/dev/ttyUSB0\n1: acr122_usb:001\n", out.String())
}

func TestListDevices_Empty(t *testing.T) {
	m := nfc.NewMockManager()
	m.SetDevices(nil)
	var out bytes.Buffer
	require.NoError(t, listDevices(&out, m))
	assert.Equal(t, "No NFC readers found\n", out.String())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "turbo-nfc")
}

func TestAgentURLs(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4zero, Port: 18080}

	ws, ca := agentURLs(addr, "192.168.1.20", false)
	assert.Equal(t, "ws://192.168.1.20:18080/ws", ws)
	assert.Empty(t, ca)

	ws, ca = agentURLs(addr, "192.168.1.20", true)
	assert.Equal(t, "wss://192.168.1.20:18080/ws", ws)
	assert.Equal(t, "https://192.168.1.20:18080/ca.pem", ca)

	ws, ca = agentURLs(nil, "localhost", true)
	assert.Empty(t, ws)
	assert.Empty(t, ca)
}
