package mode

import (
	"encoding/binary"
	"os"
)

// DRM event types
const (
	EventVBlank       = 0x01
	EventFlipComplete = 0x02
	EventCrtcSequence = 0x03
)

const eventHeaderLen = 8

// Event is a vblank or flip completion read from the device.
type Event struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CrtcID   uint32
}

// ParseEvents decodes a buffer read from a DRM device. Truncated trailing
// events and event types other than vblank/flip are skipped.
func ParseEvents(buf []byte) []Event {
	var events []Event
	for len(buf) >= eventHeaderLen {
		typ := binary.NativeEndian.Uint32(buf[0:])
		length := int(binary.NativeEndian.Uint32(buf[4:]))
		if length < eventHeaderLen || length > len(buf) {
			break
		}
		body := buf[eventHeaderLen:length]
		buf = buf[length:]

		if typ != EventVBlank && typ != EventFlipComplete {
			continue
		}
		if len(body) < 24 {
			continue
		}
		events = append(events, Event{
			Type:     typ,
			UserData: binary.NativeEndian.Uint64(body[0:]),
			Sec:      binary.NativeEndian.Uint32(body[8:]),
			Usec:     binary.NativeEndian.Uint32(body[12:]),
			Sequence: binary.NativeEndian.Uint32(body[16:]),
			CrtcID:   binary.NativeEndian.Uint32(body[20:]),
		})
	}
	return events
}

// ReadEvents performs one read on the device and parses what it got.
func ReadEvents(file *os.File) ([]Event, error) {
	buf := make([]byte, 1024)
	n, err := file.Read(buf)
	if err != nil {
		return nil, err
	}
	return ParseEvents(buf[:n]), nil
}
