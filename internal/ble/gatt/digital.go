package gatt

// Digital characteristic (0x2A56) output states, per the Automation IO
// service. The demo peripheral exposes a single two-bit channel driving
// its LED.
const (
	digitalInactive byte = 0x00
	digitalActive   byte = 0x01
)

// DigitalValue encodes a single-channel digital output write.
func DigitalValue(on bool) []byte {
	if on {
		return []byte{digitalActive}
	}
	return []byte{digitalInactive}
}

// ParseDigital decodes a single-channel digital value. The second return is
// false for an empty payload.
func ParseDigital(buf []byte) (bool, bool) {
	if len(buf) == 0 {
		return false, false
	}
	return buf[0]&0x03 == digitalActive, true
}
