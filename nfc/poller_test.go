package nfc

import (
	"errors"
	"testing"
	"time"
)

func newTestPoller(t *testing.T, tags ...Tag) (*Poller, *MockManager) {
	t.Helper()
	manager := NewMockManager()
	manager.MockDevice.SetTags(tags)
	p, err := NewPoller(manager, "mock:usb:001", nil)
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	return p, manager
}

func TestNewPoller_NilManager(t *testing.T) {
	if _, err := NewPoller(nil, "", nil); err == nil {
		t.Error("expected error for nil manager")
	}
}

func TestPoller_ConnectsOnStart(t *testing.T) {
	p, _ := newTestPoller(t)
	p.Start()
	defer p.Stop()

	st := p.Status()
	if !st.Connected {
		t.Errorf("Status() = %+v, want connected", st)
	}
	if st.Device != "mock:usb:001" {
		t.Errorf("Device = %q", st.Device)
	}
}

func TestPoller_DetectsTagOnce(t *testing.T) {
	p, _ := newTestPoller(t, NewMockTag("04A1B2C3"))
	detections, cancel := p.Subscribe(4)
	defer cancel()

	p.Start()
	defer p.Stop()

	select {
	case d := <-detections:
		if d.Tag.UID() != "04A1B2C3" {
			t.Errorf("UID = %q", d.Tag.UID())
		}
		if d.DetectedAt.IsZero() {
			t.Error("DetectedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for detection")
	}

	select {
	case d := <-detections:
		t.Errorf("tag held in field reported twice: %v", d.Tag.UID())
	case <-time.After(400 * time.Millisecond):
	}

	if p.LastTag() == nil || p.LastTag().UID() != "04A1B2C3" {
		t.Errorf("LastTag() = %v", p.LastTag())
	}
}

func TestPoller_FanOut(t *testing.T) {
	p, _ := newTestPoller(t, NewMockTag("AA"))
	first, cancelFirst := p.Subscribe(1)
	second, cancelSecond := p.Subscribe(1)
	defer cancelFirst()
	defer cancelSecond()

	p.Start()
	defer p.Stop()

	for i, ch := range []<-chan Detection{first, second} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPoller_UnsubscribeStopsDelivery(t *testing.T) {
	p, manager := newTestPoller(t)
	detections, cancel := p.Subscribe(1)
	cancel()
	cancel()

	p.Start()
	defer p.Stop()
	manager.MockDevice.SetTags([]Tag{NewMockTag("BB")})

	select {
	case <-detections:
		t.Error("unsubscribed channel received a detection")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPoller_FakeClockPolling(t *testing.T) {
	clock := NewFakeClock(time.Now())
	manager := NewMockManager()
	manager.MockDevice.SetTags([]Tag{NewMockTag("CC")})
	p, _ := NewPoller(manager, "", clock)
	detections, cancel := p.Subscribe(1)
	defer cancel()

	p.Start()
	defer p.Stop()

	// cooldown timer plus three worker tickers
	if !clock.WaitForWaiters(4, time.Second) {
		t.Fatal("worker did not start its tickers")
	}
	clock.Advance(DefaultPollingInterval)

	select {
	case d := <-detections:
		if d.Tag.UID() != "CC" {
			t.Errorf("UID = %q", d.Tag.UID())
		}
	case <-time.After(time.Second):
		t.Fatal("no detection after advancing the clock")
	}
}

func TestPoller_StatusWithoutReader(t *testing.T) {
	manager := NewMockManager()
	manager.ListDevicesError = errors.New("libnfc missing")
	p, _ := NewPoller(manager, "", nil)
	p.Start()
	defer p.Stop()

	st := p.Status()
	if st.Connected {
		t.Error("expected disconnected status")
	}
	if st.Message != "Not connected" {
		t.Errorf("Message = %q", st.Message)
	}

	select {
	case update := <-p.StatusUpdates():
		if update.Connected {
			t.Error("status update should report disconnected")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a connection-failed status update")
	}
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	p, manager := newTestPoller(t)
	p.Start()
	p.Stop()
	p.Stop()

	if manager.MockDevice.IsOpen {
		t.Error("device should be closed after Stop")
	}
}
