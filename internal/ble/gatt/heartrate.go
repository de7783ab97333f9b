// Package gatt implements the payload codecs for the GATT characteristics
// pulselight reads and writes: the Heart Rate Measurement value and the
// Automation IO digital output.
package gatt

import (
	"encoding/binary"
	"time"
)

// Heart Rate Measurement flag bits, per the GATT Specification Supplement.
const (
	flagValueFormat16   = 1 << 0
	flagContactDetected = 1 << 1
	flagContactSupport  = 1 << 2
	flagEnergyExpended  = 1 << 3
	flagRRIntervals     = 1 << 4
)

// SensorContact reports whether the sensor has skin contact.
type SensorContact int

const (
	ContactUnknown SensorContact = iota
	ContactNotDetected
	ContactDetected
)

func (c SensorContact) String() string {
	switch c {
	case ContactNotDetected:
		return "not detected"
	case ContactDetected:
		return "detected"
	default:
		return "unknown"
	}
}

// Measurement is a decoded Heart Rate Measurement characteristic value.
type Measurement struct {
	BPM            int
	Contact        SensorContact
	EnergyExpended int // joules; -1 when the field is absent
	RRIntervals    []time.Duration
}

// ParseHeartRate decodes a Heart Rate Measurement payload. The first byte is
// a flags field; bit 0 selects an 8-bit or 16-bit little-endian heart-rate
// value. The second return is false when the payload carries no value.
func ParseHeartRate(buf []byte) (Measurement, bool) {
	if len(buf) < 2 {
		return Measurement{}, false
	}

	flags := buf[0]
	m := Measurement{EnergyExpended: -1}
	i := 1

	if flags&flagValueFormat16 != 0 {
		if len(buf) < i+2 {
			return Measurement{}, false
		}
		m.BPM = int(binary.LittleEndian.Uint16(buf[i:]))
		i += 2
	} else {
		m.BPM = int(buf[i])
		i++
	}

	if flags&flagContactSupport != 0 {
		if flags&flagContactDetected != 0 {
			m.Contact = ContactDetected
		} else {
			m.Contact = ContactNotDetected
		}
	}

	if flags&flagEnergyExpended != 0 && len(buf) >= i+2 {
		m.EnergyExpended = int(binary.LittleEndian.Uint16(buf[i:]))
		i += 2
	}

	if flags&flagRRIntervals != 0 {
		// RR intervals are 1/1024 s units, as many as fit in the payload.
		for ; len(buf) >= i+2; i += 2 {
			rr := binary.LittleEndian.Uint16(buf[i:])
			m.RRIntervals = append(m.RRIntervals, time.Duration(rr)*time.Second/1024)
		}
	}

	return m, true
}
