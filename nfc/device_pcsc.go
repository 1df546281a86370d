package nfc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
)

// pcscDevice is a connection to the card currently in a PC/SC reader's
// field. PC/SC connects to cards rather than readers, so a pcscDevice lives
// for one card presentation and reports card removal from GetTags.
type pcscDevice struct {
	mu     sync.Mutex
	ctx    *scard.Context
	card   *scard.Card
	reader string
	atr    []byte
	uid    string

	stop    chan struct{}
	removed chan struct{}

	unsupportedReported bool
}

func newPCSCDevice(ctx *scard.Context, card *scard.Card, reader string) (*pcscDevice, error) {
	// scard panics on Transmit with an unnegotiated protocol.
	if p := card.ActiveProtocol(); p != scard.ProtocolT0 && p != scard.ProtocolT1 {
		return nil, fmt.Errorf("unsupported card protocol %d", p)
	}

	status, err := card.Status()
	if err != nil {
		return nil, fmt.Errorf("card status: %w", err)
	}

	d := &pcscDevice{
		ctx:    ctx,
		card:   card,
		reader: reader,
		atr:    status.Atr,
	}
	if uid, err := d.readUID(); err != nil {
		logger.Printf("%s: UID not available yet: %v", reader, err)
	} else {
		d.uid = uid
	}

	d.watchRemoval()
	return d, nil
}

// watchRemoval blocks in GetStatusChange until the reader reports an empty
// field, then signals removed.
func (d *pcscDevice) watchRemoval() {
	d.stop = make(chan struct{})
	d.removed = make(chan struct{}, 1)
	stop, removed := d.stop, d.removed

	states := []scard.ReaderState{{Reader: d.reader, CurrentState: scard.StateUnaware}}
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}

			err := d.ctx.GetStatusChange(states, 500)
			switch {
			case err == scard.ErrTimeout:
				continue
			case errors.Is(err, scard.ErrCancelled):
				return
			case err != nil:
				logger.Printf("%s: status error %v, treating as removal", d.reader, err)
				removed <- struct{}{}
				return
			}

			if states[0].EventState&scard.StateEmpty != 0 {
				removed <- struct{}{}
				return
			}
			states[0].CurrentState = states[0].EventState &^ scard.StateChanged
		}
	}()
}

func (d *pcscDevice) Close() error {
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.card == nil {
		return nil
	}
	err := d.card.Disconnect(scard.LeaveCard)
	d.card = nil
	return err
}

// InitiatorInit is a no-op: the PC/SC service owns the reader's RF setup.
func (d *pcscDevice) InitiatorInit() error { return nil }

func (d *pcscDevice) String() string     { return d.reader }
func (d *pcscDevice) Connection() string { return d.reader }
func (d *pcscDevice) DeviceType() string { return DriverPCSC }

// GetTags reports the connected card. Once the card leaves the field it
// returns a card-removed error and the device must be reopened.
func (d *pcscDevice) GetTags() ([]Tag, error) {
	select {
	case <-d.removed:
		return nil, NewCardRemovedError(errors.New("field empty"))
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.card == nil {
		return nil, ErrDeviceClosed
	}

	if d.uid == "" {
		uid, err := d.readUID()
		if err != nil {
			if isCardGonePCSCError(err) {
				return nil, NewCardRemovedError(err)
			}
			return nil, fmt.Errorf("read UID: %w", err)
		}
		d.uid = uid
	}

	cardType, ok := cardTypeFromATR(d.atr)
	if !ok {
		if v, err := d.getVersion(); err == nil {
			cardType, ok = cardTypeFromVersion(v)
		}
	}
	if !ok {
		// Identity is still useful for an unnamed card; report it once
		// per presentation with the error so the poller can log the ATR.
		if !d.unsupportedReported {
			d.unsupportedReported = true
			return []Tag{NewDetectedTag(d.uid, CardTypeUnknown, TechISO14443A)},
				NewUnsupportedTagError(BytesToHex(d.atr))
		}
	}

	return []Tag{NewDetectedTag(d.uid, cardType, TechISO14443A)}, nil
}

func (d *pcscDevice) transmit(cmd []byte) (apduResponse, error) {
	raw, err := d.card.Transmit(cmd)
	if err != nil {
		return apduResponse{}, err
	}
	resp, err := parseAPDUResponse(raw)
	if err != nil {
		return apduResponse{}, err
	}
	return resp, resp.err()
}

func (d *pcscDevice) readUID() (string, error) {
	resp, err := d.transmit(getUIDAPDU())
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", errors.New("empty UID")
	}
	return BytesToHex(resp.Data), nil
}

func (d *pcscDevice) getVersion() ([]byte, error) {
	resp, err := d.transmit(getVersionAPDU())
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// isCardGonePCSCError reports whether a PC/SC error means the card left the
// field. Some readers surface this only through the message text.
func isCardGonePCSCError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrResetCard),
		errors.Is(err, scard.ErrNoSmartcard),
		errors.Is(err, scard.ErrUnpoweredCard):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "removed") ||
		strings.Contains(msg, "unpowered") ||
		strings.Contains(msg, "no smart card")
}
