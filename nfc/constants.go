package nfc

import "time"

// Driver names accepted by NewManagerForDriver.
const (
	DriverLibNFC = "libnfc"
	DriverPCSC   = "pcsc"
)

// Card type constants for card type identification and filtering
const (
	CardTypeMifareClassic1K  = "MIFARE Classic 1K"
	CardTypeMifareClassic4K  = "MIFARE Classic 4K"
	CardTypeMifareMini       = "MIFARE Mini"
	CardTypeMifarePlus       = "MIFARE Plus"
	CardTypeMifareUltralight = "MIFARE Ultralight"
	CardTypeUltralightC      = "MIFARE Ultralight C"
	CardTypeNtag213          = "NTAG213"
	CardTypeNtag215          = "NTAG215"
	CardTypeNtag216          = "NTAG216"
	CardTypeDesfire          = "DESFire"
	CardTypeType4            = "Type4"
	CardTypeUnknown          = "Unknown"
)

// Technology families reported alongside the card type.
const (
	TechISO14443A = "ISO14443A"
	TechISO14443B = "ISO14443B"
	TechUnknown   = "Unknown"
)

// Reconnection and enumeration tuning.
const (
	MaxRetries          = 5
	BaseDelay           = 500 * time.Millisecond
	MaxReconnectTries   = 10
	ReconnectDelay      = time.Second * 2
	DeviceCheckInterval = time.Second * 2
	DeviceEnumRetries   = 3
)

// Polling intervals
const (
	DefaultPollingInterval    = 100 * time.Millisecond
	DeviceIdleCheckInterval   = 200 * time.Millisecond
	PresenceCheckInterval     = 250 * time.Millisecond
	PresenceTimeout           = time.Second
	DeviceResetWaitTime       = 3 * time.Second
	DeviceErrorCooldownPeriod = 10 * time.Second
	MaxRetriesCooldownPeriod  = 30 * time.Second
	PostErrorPauseTime        = 1 * time.Second
)

// GetAllCardTypes returns all supported card type constants
func GetAllCardTypes() []string {
	return []string{
		CardTypeMifareClassic1K,
		CardTypeMifareClassic4K,
		CardTypeMifareMini,
		CardTypeMifarePlus,
		CardTypeMifareUltralight,
		CardTypeUltralightC,
		CardTypeNtag213,
		CardTypeNtag215,
		CardTypeNtag216,
		CardTypeDesfire,
		CardTypeType4,
	}
}
