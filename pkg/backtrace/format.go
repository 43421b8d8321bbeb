package backtrace

// Signal-safe numeric formatting: the launcher cannot use the fmt family,
// which may allocate, so values are rendered right-to-left into fixed
// buffers and then left-justified, exactly wide enough for any 64-bit
// value.

// UnsignedBufLen fits any 64-bit decimal value.
const UnsignedBufLen = 22

// AddressBufLen fits any 64-bit hexadecimal value.
const AddressBufLen = 18

// FormatUnsigned renders u in decimal into buf, which must be at least one
// byte long, and returns the formatted prefix of buf. No leading zeros, no
// heap use.
func FormatUnsigned(u uint64, buf []byte) []byte {
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
		if u == 0 || i == 0 {
			break
		}
	}

	// Left-justify in the buffer.
	n := copy(buf, buf[i:])
	return buf[:n]
}

// FormatAddress renders addr in lowercase hexadecimal into buf, which must
// be at least one byte long, and returns the formatted prefix of buf. No
// 0x prefix, no zero padding.
func FormatAddress(addr uintptr, buf []byte) []byte {
	u := uint64(addr)
	i := len(buf)
	for {
		i--
		digit := byte('0' + u&0xf)
		if digit > '9' {
			digit += 'a' - '0' - 10
		}
		buf[i] = digit
		u >>= 4
		if u == 0 || i == 0 {
			break
		}
	}

	n := copy(buf, buf[i:])
	return buf[:n]
}
