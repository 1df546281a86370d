package nfc

import (
	"errors"
	"fmt"
)

// Status words returned by PC/SC readers.
const (
	swOK       = 0x9000
	sw1More    = 0x61
	claReader  = 0xFF // PC/SC pseudo-APDU class
	insGetData = 0xCA
	insDirect  = 0x00
)

// apduResponse is a reader reply split into data and status word.
type apduResponse struct {
	Data []byte
	SW   uint16
}

func (r apduResponse) ok() bool {
	return r.SW == swOK || byte(r.SW>>8) == sw1More
}

func (r apduResponse) err() error {
	if r.ok() {
		return nil
	}
	return fmt.Errorf("reader returned status %04X", r.SW)
}

func parseAPDUResponse(raw []byte) (apduResponse, error) {
	if len(raw) < 2 {
		return apduResponse{}, errors.New("reader response too short")
	}
	n := len(raw) - 2
	return apduResponse{
		Data: raw[:n],
		SW:   uint16(raw[n])<<8 | uint16(raw[n+1]),
	}, nil
}

// buildAPDU encodes a short APDU. le < 0 omits the Le byte.
func buildAPDU(cla, ins, p1, p2 byte, data []byte, le int) []byte {
	cmd := make([]byte, 0, 5+len(data))
	cmd = append(cmd, cla, ins, p1, p2)
	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}
	if le >= 0 {
		cmd = append(cmd, byte(le))
	}
	return cmd
}

// getUIDAPDU asks the reader for the UID of the card in the field (FF CA 00 00 00).
func getUIDAPDU() []byte {
	return buildAPDU(claReader, insGetData, 0x00, 0x00, nil, 0)
}

// getVersionAPDU wraps the NTAG/Ultralight GET_VERSION command in a direct transmit.
func getVersionAPDU() []byte {
	return buildAPDU(claReader, insDirect, 0x00, 0x00, []byte{0x60}, 0)
}
