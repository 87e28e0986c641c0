package memory

import (
	"encoding/binary"
	"errors"
)

const counterVersion = 1

var errCounterPayload = errors.New("counter payload must be 16 bytes")

// encodeCounter packs (windowStart, count) as two little-endian int64s, the
// storage.Entry.Payload layout Store.Increment reads and writes.
func encodeCounter(windowStart, count int64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(windowStart))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(count))
	return buf
}

func decodeCounter(payload []byte) (windowStart, count int64, err error) {
	if len(payload) != 16 {
		return 0, 0, errCounterPayload
	}
	windowStart = int64(binary.LittleEndian.Uint64(payload[0:8]))
	count = int64(binary.LittleEndian.Uint64(payload[8:16]))
	return windowStart, count, nil
}
