package nfc

import "bytes"

// Card name byte found in the PC/SC Part 3 historical bytes of a
// contactless ATR (3B 8F 80 01 80 4F 0C A0 00 00 03 06 SS NN NN ...).
var atrCardNames = map[byte]string{
	0x01: CardTypeMifareClassic1K,
	0x02: CardTypeMifareClassic4K,
	0x03: CardTypeMifareUltralight,
	0x26: CardTypeMifareMini,
	0x3A: CardTypeUltralightC,
	0x36: CardTypeMifarePlus,
	0x37: CardTypeMifarePlus,
	0x38: CardTypeMifarePlus,
	0x39: CardTypeMifarePlus,
}

// pcscRID is the registered application provider id of PC/SC Part 3.
var pcscRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// cardTypeFromATR identifies the card from the ATR a PC/SC reader
// synthesises for a contactless card. ok is false when the ATR does not
// name the card.
func cardTypeFromATR(atr []byte) (cardType string, ok bool) {
	hist, t1, valid := parseATR(atr)
	if !valid {
		return CardTypeUnknown, false
	}

	// 80 4F len RID(5) SS NN NN
	if len(hist) >= 3 && hist[0] == 0x80 && hist[1] == 0x4F {
		body := hist[3:]
		if len(body) >= len(pcscRID)+3 && bytes.HasPrefix(body, pcscRID) {
			if t, found := atrCardNames[body[len(pcscRID)+2]]; found {
				return t, true
			}
		}
		return CardTypeUnknown, false
	}

	// Without a storage card descriptor the reader is relaying ATS
	// historical bytes of an ISO 14443-4 card.
	if t1 {
		return CardTypeType4, true
	}
	return CardTypeUnknown, false
}

// parseATR walks the interface bytes of an ISO 7816-3 ATR and returns its
// historical bytes and whether any TDi announced T=1.
func parseATR(atr []byte) (hist []byte, t1 bool, valid bool) {
	if len(atr) < 2 || (atr[0] != 0x3B && atr[0] != 0x3F) {
		return nil, false, false
	}
	k := int(atr[1] & 0x0F)

	pos := 2
	td := atr[1]
	for {
		for _, bit := range []byte{0x10, 0x20, 0x40} {
			if td&bit != 0 {
				pos++
			}
		}
		if td&0x80 == 0 {
			break
		}
		if pos >= len(atr) {
			return nil, false, false
		}
		td = atr[pos]
		if td&0x0F == 0x01 {
			t1 = true
		}
		pos++
	}

	if pos+k > len(atr) {
		return nil, false, false
	}
	return atr[pos : pos+k], t1, true
}

// cardTypeFromVersion decodes an NTAG/Ultralight GET_VERSION reply:
// header, vendor, product type, subtype, major, minor, storage size, protocol.
func cardTypeFromVersion(resp []byte) (string, bool) {
	if len(resp) < 8 || resp[1] != 0x04 {
		return CardTypeUnknown, false
	}

	storage := resp[6]
	switch resp[2] {
	case 0x03:
		if storage == 0x0E {
			return CardTypeUltralightC, true
		}
		return CardTypeMifareUltralight, true
	case 0x04:
		switch storage {
		case 0x0F:
			return CardTypeNtag213, true
		case 0x11:
			return CardTypeNtag215, true
		case 0x13:
			return CardTypeNtag216, true
		}
		return CardTypeNtag215, true
	}
	return CardTypeUnknown, false
}
