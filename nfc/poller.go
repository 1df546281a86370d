package nfc

import (
	"fmt"
	"sync"
	"time"
)

// Poller owns the reader connection and turns tag sightings into
// Detections. One Poller runs per agent; reader sessions consume its
// detections through Subscribe.
type Poller struct {
	dm       *DeviceManager
	clock    Clock
	cache    *TagCache
	interval time.Duration

	statusChan chan DeviceStatus
	stopChan   chan struct{}
	workerWg   sync.WaitGroup

	mu          sync.RWMutex
	subs        map[int]chan Detection
	nextSub     int
	cardPresent bool
	running     bool
}

// NewPoller creates a Poller for devicePath (empty for the first reader).
// A nil clock uses the wall clock.
func NewPoller(manager Manager, devicePath string, clock Clock) (*Poller, error) {
	if manager == nil {
		return nil, fmt.Errorf("nfc manager cannot be nil")
	}
	if clock == nil {
		clock = NewRealClock()
	}
	return &Poller{
		dm:         NewDeviceManager(manager, devicePath, clock),
		clock:      clock,
		cache:      NewTagCache(clock, PresenceTimeout),
		interval:   DefaultPollingInterval,
		statusChan: make(chan DeviceStatus, 4),
		stopChan:   make(chan struct{}),
		subs:       make(map[int]chan Detection),
	}, nil
}

// DeviceManager exposes the underlying connection manager.
func (p *Poller) DeviceManager() *DeviceManager { return p.dm }

// Start connects to the reader once synchronously and then polls in the
// background until Stop.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.checkDevice()
	p.workerWg.Add(1)
	go p.worker()
}

// Stop halts the worker, closes the device and waits for shutdown.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.workerWg.Wait()
}

// Subscribe registers a detection consumer. Detections are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (p *Poller) Subscribe(buffer int) (<-chan Detection, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Detection, buffer)

	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// StatusUpdates delivers status changes. Updates are dropped when nobody
// is reading.
func (p *Poller) StatusUpdates() <-chan DeviceStatus {
	return p.statusChan
}

// Status returns the live device status.
func (p *Poller) Status() DeviceStatus {
	p.mu.RLock()
	present := p.cardPresent
	p.mu.RUnlock()

	st := DeviceStatus{
		Connected:   p.dm.Ready(),
		Device:      p.dm.DevicePath(),
		CardPresent: present,
	}
	dev := p.dm.Device()
	switch {
	case dev != nil:
		st.Message = "Connected to " + dev.String()
		if info, ok := dev.(DeviceInfoProvider); ok {
			st.Message += " (" + info.DeviceType() + ")"
		}
	case st.Connected:
		st.Message = "Waiting for a card"
	case p.dm.InCooldown():
		st.Message = "Device in cooldown"
	default:
		st.Message = "Not connected"
	}
	return st
}

// LastTag returns the most recently presented tag, or nil.
func (p *Poller) LastTag() Tag {
	return p.cache.LastTag()
}

func (p *Poller) worker() {
	defer p.workerWg.Done()

	deviceTicker := p.clock.NewTicker(DeviceCheckInterval)
	presenceTicker := p.clock.NewTicker(PresenceCheckInterval)
	pollTicker := p.clock.NewTicker(p.interval)
	defer func() {
		deviceTicker.Stop()
		presenceTicker.Stop()
		pollTicker.Stop()
		p.dm.Close()
		p.broadcast("Poller stopped")
		logger.Println("poller stopped")
	}()

	for {
		select {
		case <-p.stopChan:
			return
		case <-deviceTicker.C():
			p.checkDevice()
		case <-presenceTicker.C():
			p.checkPresence()
		case <-p.dm.CooldownChannel():
			p.dm.EndCooldown(p.stopChan)
			p.broadcast("")
		case ev := <-p.dm.Events():
			logger.Printf("%s: %s", ev.Type, ev.Message)
			p.broadcast("")
		case <-pollTicker.C():
			p.poll()
		}
	}
}

func (p *Poller) checkDevice() {
	if p.dm.Ready() || p.dm.InCooldown() {
		return
	}
	if err := p.dm.TryConnect(); err != nil && !IsNoCardError(err) {
		logger.Printf("connect: %v", err)
		p.broadcast(fmt.Sprintf("Connection failed: %v", err))
	}
}

func (p *Poller) checkPresence() {
	for _, uid := range p.cache.Expire() {
		logger.Printf("tag %s left the field", uid)
	}
	present := p.cache.IsPresent()

	p.mu.Lock()
	changed := p.cardPresent != present
	p.cardPresent = present
	p.mu.Unlock()

	if !changed {
		return
	}
	if present {
		msg := "Card detected"
		if tag := p.cache.LastTag(); tag != nil {
			msg = fmt.Sprintf("Card detected (UID: %s)", tag.UID())
		}
		p.broadcast(msg)
	} else {
		p.broadcast("Card removed")
	}
}

func (p *Poller) poll() {
	if p.dm.InCooldown() {
		return
	}
	if !p.dm.HasDevice() {
		// PC/SC readers need a fresh connection for each card.
		if !p.dm.Ready() {
			return
		}
		if err := p.dm.TryConnect(); err != nil {
			return
		}
	}

	dev := p.dm.Device()
	if dev == nil {
		return
	}
	tags, err := dev.GetTags()
	if err != nil {
		if p.dm.HandleError(err, p.stopChan) {
			p.broadcast("Device in cooldown")
		}
	}
	for _, tag := range tags {
		if tag == nil || tag.UID() == "" {
			continue
		}
		if p.cache.Observe(tag) {
			logger.Printf("detected %s", tag)
			p.publish(Detection{Tag: tag, DetectedAt: p.clock.Now()})
		}
	}
	if len(tags) > 0 {
		p.checkPresence()
	}
}

func (p *Poller) publish(d Detection) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, ch := range p.subs {
		select {
		case ch <- d:
		default:
			logger.Printf("subscriber %d is full, dropping detection of %s", id, d.Tag.UID())
		}
	}
}

// broadcast sends the live status, optionally with msg as its message.
func (p *Poller) broadcast(msg string) {
	st := p.Status()
	if msg != "" {
		st.Message = msg
	}
	select {
	case p.statusChan <- st:
	default:
	}
}
