package nfc

import "testing"

func TestCardTypeFromATR(t *testing.T) {
	tests := []struct {
		name   string
		atr    []byte
		want   string
		wantOK bool
	}{
		{
			name:   "classic 1k",
			atr:    []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A},
			want:   CardTypeMifareClassic1K,
			wantOK: true,
		},
		{
			name:   "classic 4k",
			atr:    []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x69},
			want:   CardTypeMifareClassic4K,
			wantOK: true,
		},
		{
			name:   "ultralight",
			atr:    []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68},
			want:   CardTypeMifareUltralight,
			wantOK: true,
		},
		{
			name:   "unnamed storage card",
			atr:    []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x7F, 0x00, 0x00, 0x00, 0x00, 0x00},
			want:   CardTypeUnknown,
			wantOK: false,
		},
		{
			name:   "iso14443-4 card",
			atr:    []byte{0x3B, 0x81, 0x80, 0x01, 0x80, 0x80},
			want:   CardTypeType4,
			wantOK: true,
		},
		{
			name:   "not an atr",
			atr:    []byte{0x00, 0x01},
			want:   CardTypeUnknown,
			wantOK: false,
		},
		{
			name:   "truncated",
			atr:    []byte{0x3B, 0x8F, 0x80},
			want:   CardTypeUnknown,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cardTypeFromATR(tt.atr)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("cardTypeFromATR() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCardTypeFromVersion(t *testing.T) {
	tests := []struct {
		resp []byte
		want string
	}{
		{[]byte{0x00, 0x04, 0x04, 0x02, 0x01, 0x00, 0x0F, 0x03}, CardTypeNtag213},
		{[]byte{0x00, 0x04, 0x04, 0x02, 0x01, 0x00, 0x11, 0x03}, CardTypeNtag215},
		{[]byte{0x00, 0x04, 0x04, 0x02, 0x01, 0x00, 0x13, 0x03}, CardTypeNtag216},
		{[]byte{0x00, 0x04, 0x03, 0x01, 0x01, 0x00, 0x0B, 0x03}, CardTypeMifareUltralight},
		{[]byte{0x00, 0x05, 0x04, 0x02, 0x01, 0x00, 0x0F, 0x03}, CardTypeUnknown},
		{[]byte{0x00, 0x04}, CardTypeUnknown},
	}
	for _, tt := range tests {
		if got, _ := cardTypeFromVersion(tt.resp); got != tt.want {
			t.Errorf("cardTypeFromVersion(% X) = %q, want %q", tt.resp, got, tt.want)
		}
	}
}

func TestTagTypeFromSAK(t *testing.T) {
	tests := map[byte]string{
		0x08: CardTypeMifareClassic1K,
		0x18: CardTypeMifareClassic4K,
		0x09: CardTypeMifareMini,
		0x00: CardTypeMifareUltralight,
		0x20: CardTypeType4,
		0x28: CardTypeType4,
		0x11: CardTypeUnknown,
	}
	for sak, want := range tests {
		if got := tagTypeFromSAK(sak); got != want {
			t.Errorf("tagTypeFromSAK(%02X) = %q, want %q", sak, got, want)
		}
	}
}

func TestAPDUHelpers(t *testing.T) {
	want := []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
	if got := getUIDAPDU(); string(got) != string(want) {
		t.Errorf("getUIDAPDU() = % X", got)
	}

	resp, err := parseAPDUResponse([]byte{0x04, 0xA1, 0x90, 0x00})
	if err != nil || resp.err() != nil {
		t.Fatalf("parseAPDUResponse: %v %v", err, resp.err())
	}
	if BytesToHex(resp.Data) != "04A1" {
		t.Errorf("data = % X", resp.Data)
	}

	resp, _ = parseAPDUResponse([]byte{0x6A, 0x81})
	if resp.err() == nil {
		t.Error("expected error status")
	}
	if _, err := parseAPDUResponse([]byte{0x90}); err == nil {
		t.Error("expected short response error")
	}
}
