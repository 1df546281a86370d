package nfc

import (
	"fmt"
	"strings"
)

// Tag represents an NFC tag seen by a reader.
//
// A Tag only carries identity: the agent reports which tag was presented
// and never reads or writes tag memory.
//
// Example:
//
//	tags, _ := device.GetTags()
//	for _, tag := range tags {
//	    fmt.Println(tag.UID(), tag.Type())
//	}
type Tag interface {
	UID() string
	Type() string
	Technology() string
}

// DetectedTag is the Tag implementation returned by the hardware devices.
type DetectedTag struct {
	uid        string
	tagType    string
	technology string
}

// NewDetectedTag creates a Tag from a raw UID string. The UID is normalised
// to upper-case hex without separators.
func NewDetectedTag(uid, tagType, technology string) *DetectedTag {
	if tagType == "" {
		tagType = CardTypeUnknown
	}
	if technology == "" {
		technology = InferTechnology(tagType)
	}
	return &DetectedTag{
		uid:        NormalizeUID(uid),
		tagType:    tagType,
		technology: technology,
	}
}

func (t *DetectedTag) UID() string        { return t.uid }
func (t *DetectedTag) Type() string       { return t.tagType }
func (t *DetectedTag) Technology() string { return t.technology }

func (t *DetectedTag) String() string {
	return fmt.Sprintf("Tag{UID: %s, Type: %s, Tech: %s}", t.uid, t.tagType, t.technology)
}

// InferTechnology determines the NFC technology from the tag type string.
func InferTechnology(tagType string) string {
	switch {
	case strings.Contains(tagType, "MIFARE"):
		return TechISO14443A
	case strings.HasPrefix(tagType, "NTAG"):
		return TechISO14443A
	case strings.Contains(tagType, "DESFire"):
		return TechISO14443A
	case strings.Contains(tagType, "Type4"):
		return TechISO14443A
	default:
		return TechUnknown
	}
}

// NormalizeUID converts the accepted UID spellings ("04:AB:CD", "04 ab cd",
// "04-AB-CD") into the canonical "04ABCD" form.
func NormalizeUID(uid string) string {
	r := strings.NewReplacer(":", "", " ", "", "-", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(uid)))
}

// BytesToHex renders raw UID bytes in the canonical form.
func BytesToHex(b []byte) string {
	return strings.ToUpper(fmt.Sprintf("%x", b))
}
