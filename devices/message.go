package devices

// messageLen returns the length of a short MIDI message from its status
// byte.
func messageLen(status byte) int {
	switch {
	case status >= 0xF8:
		return 1
	case status >= 0xF0:
		switch status {
		case 0xF1, 0xF3:
			return 2
		case 0xF2:
			return 3
		}
		return 1
	case status&0xF0 == 0xC0, status&0xF0 == 0xD0:
		return 2
	case status >= 0x80:
		return 3
	}
	return 1
}
