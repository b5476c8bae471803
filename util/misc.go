package util

import "encoding/binary"

// PrependUint prefixes data with the big endian encoding of num. The returned slice never aliases data.
func PrependUint(num uint64, data []byte) []byte {
	val := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(val, num)
	copy(val[8:], data)
	return val
}

// SplitUint is the inverse of PrependUint. ok is false if buf is too short to hold the prefix.
func SplitUint(buf []byte) (num uint64, data []byte, ok bool) {
	if len(buf) < 8 {
		return 0, nil, false
	}
	data = make([]byte, len(buf)-8)
	copy(data, buf[8:])
	return binary.BigEndian.Uint64(buf[:8]), data, true
}
