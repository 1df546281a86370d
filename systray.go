package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"fyne.io/systray"

	"github.com/dubu/turbo-nfc/buildinfo"
	"github.com/dubu/turbo-nfc/certs"
	"github.com/dubu/turbo-nfc/nfc"
	"github.com/dubu/turbo-nfc/server"
)

const trayRefreshInterval = 500 * time.Millisecond

// SystrayApp manages the system tray interface for the agent.
type SystrayApp struct {
	agent *Agent

	mu            sync.Mutex
	currentDevice string
	cancelRead    context.CancelFunc

	mStatus    *systray.MenuItem
	mReader    *systray.MenuItem
	mTagUID    *systray.MenuItem
	mTagType   *systray.MenuItem
	mRead      *systray.MenuItem
	mStopRead  *systray.MenuItem
	mStart     *systray.MenuItem
	mStop      *systray.MenuItem
	mDevices   *systray.MenuItem
	mRefresh   *systray.MenuItem
	mServerURL *systray.MenuItem
	mCAURL     *systray.MenuItem
	mCopyURL   *systray.MenuItem
	mCopyCA    *systray.MenuItem
	mQuit      *systray.MenuItem

	deviceMenuItems map[string]*systray.MenuItem
	deviceClicks    chan string
}

func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{
		agent:           agent,
		currentDevice:   agent.Config.Reader.Device,
		deviceMenuItems: make(map[string]*systray.MenuItem),
		deviceClicks:    make(chan string, 1),
	}
}

func (s *SystrayApp) OnReady() {
	s.setupUI()
	s.autoStart()
	go s.refreshLoop()
	go s.handleMenuEvents()
}

func (s *SystrayApp) OnExit() {
	s.cancelReading()
	if err := s.agent.Close(); err != nil {
		log.Printf("Error stopping agent: %v", err)
	}
}

func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()
	s.mReader = systray.AddMenuItem("Reader: Not connected", "Reader status")
	s.mReader.Disable()

	urls := systray.AddMenuItem("Server URLs", "Server addresses")
	s.mServerURL = urls.AddSubMenuItem("Server: Not running", "WebSocket URL")
	s.mServerURL.Disable()
	s.mCopyURL = urls.AddSubMenuItem("  Copy Server URL", "Copy the WebSocket URL to the clipboard")
	s.mCAURL = urls.AddSubMenuItem("CA Cert: Disabled", "CA certificate download URL")
	s.mCAURL.Disable()
	s.mCopyCA = urls.AddSubMenuItem("  Copy CA URL", "Copy the CA certificate URL to the clipboard")

	systray.AddSeparator()

	s.mTagUID = systray.AddMenuItem("Tag UID: None", "Last tag UID")
	s.mTagUID.Disable()
	s.mTagType = systray.AddMenuItem("Tag Type: None", "Last tag type")
	s.mTagType.Disable()
	s.mRead = systray.AddMenuItem("Start Reading", "Start a tag reading session")
	s.mStopRead = systray.AddMenuItem("Stop Reading", "Stop the tag reading session")
	s.mRead.Disable()
	s.mStopRead.Disable()

	systray.AddSeparator()

	s.mDevices = systray.AddMenuItem("Device", "Select NFC device")
	s.mRefresh = s.mDevices.AddSubMenuItem("Refresh Devices", "Refresh device list")

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Agent", "Start the NFC agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the NFC agent")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

func (s *SystrayApp) autoStart() {
	if n, ok := s.agent.Manager.(nfc.DeviceChangeNotifier); ok {
		go func() {
			for range n.DeviceChanges() {
				s.updateDeviceList()
			}
		}()
	}

	go func() {
		s.startAgent()
		s.updateDeviceList()
	}()
}

func (s *SystrayApp) startAgent() {
	s.mu.Lock()
	device := s.currentDevice
	s.mu.Unlock()

	if err := s.agent.Start(device); err != nil {
		log.Printf("Failed to start agent: %v", err)
		s.updateStatus(trayFailed)
		s.clearURLs()
		s.mStart.Enable()
		s.mStop.Disable()
		return
	}
	s.updateStatus(trayRunning)
	s.updateURLs()
	s.mStart.Disable()
	s.mStop.Enable()
	s.mRead.Enable()
}

func (s *SystrayApp) stopAgent() {
	s.cancelReading()
	if err := s.agent.Stop(); err != nil {
		log.Printf("Agent stopped with error: %v", err)
	}
	s.updateStatus(trayStopped)
	s.clearURLs()
	s.mStop.Disable()
	s.mStart.Enable()
	s.mRead.Disable()
	s.mStopRead.Disable()
}

func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.startAgent()
		case <-s.mStop.ClickedCh:
			s.stopAgent()
		case <-s.mRead.ClickedCh:
			s.startReading()
		case <-s.mStopRead.ClickedCh:
			s.stopReading()
		case <-s.mRefresh.ClickedCh:
			s.updateDeviceList()
		case device := <-s.deviceClicks:
			s.switchDevice(device)
		case <-s.mCopyURL.ClickedCh:
			s.copy(s.serverURL())
		case <-s.mCopyCA.ClickedCh:
			s.copy(s.caURL())
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// startReading runs one startTagReading call in the background, as an
// application runtime would.
func (s *SystrayApp) startReading() {
	module := s.agent.Module()
	if module == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancelRead != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelRead = cancel
	s.mu.Unlock()

	s.mRead.Disable()
	s.mStopRead.Enable()
	s.updateStatus(trayScanning)

	go func() {
		defer func() {
			s.mu.Lock()
			s.cancelRead = nil
			s.mu.Unlock()
			cancel()
			if s.agent.Running() {
				s.mRead.Enable()
				s.updateStatus(trayRunning)
			}
			s.mStopRead.Disable()
		}()

		res, err := module.StartTagReading(ctx)
		switch {
		case err != nil:
			log.Printf("Tag reading failed: %v", err)
		case res.Success:
			log.Printf("Tag read: %s", res.Payload)
		default:
			log.Printf("Tag reading ended: %s", res.Message)
		}
	}()
}

func (s *SystrayApp) stopReading() {
	module := s.agent.Module()
	if module == nil {
		return
	}
	if _, err := module.StopTagReading(context.Background()); err != nil {
		log.Printf("Stop tag reading: %v", err)
	}
}

func (s *SystrayApp) cancelReading() {
	s.mu.Lock()
	cancel := s.cancelRead
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *SystrayApp) switchDevice(device string) {
	s.mu.Lock()
	if s.currentDevice == device {
		s.mu.Unlock()
		return
	}
	s.currentDevice = device
	for name, item := range s.deviceMenuItems {
		if name == device {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
	s.mu.Unlock()

	if s.agent.Running() {
		s.stopAgent()
		s.startAgent()
	}
}

// updateDeviceList rebuilds the device submenu. systray cannot remove
// items, so stale entries are hidden.
func (s *SystrayApp) updateDeviceList() {
	devices, err := s.agent.Manager.ListDevices()
	if err != nil {
		log.Printf("Error listing devices: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.deviceMenuItems {
		item.Hide()
	}
	s.deviceMenuItems = make(map[string]*systray.MenuItem)

	for _, device := range devices {
		checked := s.currentDevice == device || (s.currentDevice == "" && len(s.deviceMenuItems) == 0)
		item := s.mDevices.AddSubMenuItemCheckbox(device, "Select this device", checked)
		s.deviceMenuItems[device] = item
		if checked && s.currentDevice == "" {
			s.currentDevice = device
		}
		go s.forwardClicks(device, item)
	}
}

func (s *SystrayApp) forwardClicks(device string, item *systray.MenuItem) {
	for range item.ClickedCh {
		s.deviceClicks <- device
	}
}

func (s *SystrayApp) refreshLoop() {
	ticker := time.NewTicker(trayRefreshInterval)
	defer ticker.Stop()

	var lastUID, lastType, lastReader string
	for range ticker.C {
		uid, tagType := "None", "None"
		if tag := s.agent.LastTag(); tag != nil {
			uid, tagType = tag.UID(), tag.Type()
		}
		if uid != lastUID {
			s.mTagUID.SetTitle("Tag UID: " + uid)
			lastUID = uid
		}
		if tagType != lastType {
			s.mTagType.SetTitle("Tag Type: " + tagType)
			lastType = tagType
		}

		reader := "Reader: " + s.agent.Status().Message
		if reader != lastReader {
			s.mReader.SetTitle(reader)
			lastReader = reader
		}
	}
}

type trayState string

const (
	trayRunning  trayState = "Running"
	trayScanning trayState = "Scanning for tags"
	trayFailed   trayState = "Failed to Start"
	trayStopped  trayState = "Stopped"
)

func (s *SystrayApp) updateStatus(state trayState) {
	s.mStatus.SetTitle(string(state))
	switch state {
	case trayRunning:
		systray.SetIcon(iconDataConnected)
	case trayScanning:
		systray.SetIcon(iconDataScanning)
	case trayFailed:
		systray.SetIcon(iconDataError)
	case trayStopped:
		systray.SetIcon(iconDataStopped)
	default:
		systray.SetIcon(iconData)
	}
}

func (s *SystrayApp) updateURLs() {
	s.mServerURL.SetTitle("Server: " + s.serverURL())
	if ca := s.caURL(); ca != "" {
		s.mCAURL.SetTitle("CA Cert: " + ca)
	} else {
		s.mCAURL.SetTitle("CA Cert: Disabled")
	}
}

func (s *SystrayApp) clearURLs() {
	s.mServerURL.SetTitle("Server: Not running")
	s.mCAURL.SetTitle("CA Cert: Not running")
}

func (s *SystrayApp) serverURL() string {
	ws, _ := agentURLs(s.agent.Addr(), lanHost(), s.agent.TLSEnabled())
	return ws
}

func (s *SystrayApp) caURL() string {
	_, ca := agentURLs(s.agent.Addr(), lanHost(), s.agent.TLSEnabled())
	return ca
}

func (s *SystrayApp) copy(text string) {
	if text == "" {
		return
	}
	if err := copyToClipboard(text); err != nil {
		log.Printf("Copy to clipboard: %v", err)
	}
}

func lanHost() string {
	if ips, err := certs.LANAddrs(); err == nil && len(ips) > 0 {
		return ips[0]
	}
	return "localhost"
}

// agentURLs returns the WebSocket URL clients connect to and, when TLS is
// on, the URL the CA certificate is served from.
func agentURLs(addr net.Addr, host string, tls bool) (ws, ca string) {
	if addr == nil {
		return "", ""
	}
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	} else if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port = p
	}
	hostPort := net.JoinHostPort(host, port)

	if !tls {
		return fmt.Sprintf("ws://%s%s", hostPort, server.WSPath), ""
	}
	return fmt.Sprintf("wss://%s%s", hostPort, server.WSPath),
		fmt.Sprintf("https://%s/ca.pem", hostPort)
}

// copyToClipboard copies text to the system clipboard.
func copyToClipboard(text string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}
	stdin.Close()
	return cmd.Wait()
}
