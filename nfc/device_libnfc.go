package nfc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
)

// libnfcDevice implements Device using an actual nfc.Device from libnfc.
type libnfcDevice struct {
	device nfc.Device
}

// NewDevice creates a new Device from an nfc.Device.
func NewDevice(dev nfc.Device) Device {
	return &libnfcDevice{device: dev}
}

func (d *libnfcDevice) Close() error {
	return d.device.Close()
}

func (d *libnfcDevice) InitiatorInit() error {
	return d.device.InitiatorInit()
}

func (d *libnfcDevice) String() string {
	return d.device.String()
}

func (d *libnfcDevice) Connection() string {
	return d.device.Connection()
}

func (d *libnfcDevice) DeviceType() string {
	return DriverLibNFC
}

// GetTags polls for tags on the device.
// It first asks freefare for the tags it can classify (MIFARE Classic,
// Ultralight, DESFire). Then it lists all ISO14443A targets and reports
// the ISO14443-4 ones freefare did not already cover as Type4.
func (d *libnfcDevice) GetTags() ([]Tag, error) {
	var found []Tag
	processedUIDs := make(map[string]bool)

	ffTags, err := freefare.GetTags(d.device)
	if err == nil {
		for _, ffTag := range ffTags {
			uid := NormalizeUID(ffTag.UID())
			if processedUIDs[uid] {
				continue
			}
			processedUIDs[uid] = true

			found = append(found, NewDetectedTag(uid, freefareTagType(ffTag), TechISO14443A))
		}
	}

	modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
	targets, listErr := d.device.InitiatorListPassiveTargets(modulation)
	if listErr != nil {
		if err != nil {
			return nil, fmt.Errorf("freefare: %v; passive targets: %w", err, listErr)
		}
		return found, nil
	}

	for _, target := range targets {
		isoA, ok := target.(*nfc.ISO14443aTarget)
		if !ok {
			continue
		}
		if isoA.UIDLen <= 0 || int(isoA.UIDLen) > len(isoA.UID) {
			continue
		}
		uid := strings.ToUpper(hex.EncodeToString(isoA.UID[:isoA.UIDLen]))
		if processedUIDs[uid] {
			continue
		}
		processedUIDs[uid] = true

		found = append(found, NewDetectedTag(uid, tagTypeFromSAK(isoA.Sak), TechISO14443A))
	}

	return found, nil
}

// freefareTagType maps a freefare tag to the agent's card type names.
func freefareTagType(tag freefare.Tag) string {
	switch tag.(type) {
	case freefare.ClassicTag:
		if tag.Type() == freefare.Classic4k {
			return CardTypeMifareClassic4K
		}
		return CardTypeMifareClassic1K
	case freefare.UltralightTag:
		if tag.Type() == freefare.UltralightC {
			return CardTypeUltralightC
		}
		return CardTypeMifareUltralight
	case freefare.DESFireTag:
		return CardTypeDesfire
	default:
		return CardTypeUnknown
	}
}

// tagTypeFromSAK classifies an ISO14443A target by its SAK byte.
func tagTypeFromSAK(sak byte) string {
	switch {
	case sak&0x20 != 0:
		return CardTypeType4
	case sak == 0x08:
		return CardTypeMifareClassic1K
	case sak == 0x18:
		return CardTypeMifareClassic4K
	case sak == 0x09:
		return CardTypeMifareMini
	case sak == 0x00:
		return CardTypeMifareUltralight
	default:
		return CardTypeUnknown
	}
}
