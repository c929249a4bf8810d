package nmt

import (
	"encoding/binary"

	"github.com/samsamfire/gocanopen/pkg/od"
)

// [NMT] update heartbeat period
func writeEntry1017(stream *od.Stream, data []byte) (uint16, error) {
	nmtObj, ok := stream.Object.(*NMT)
	if !ok {
		return 0, od.ErrDevIncompat
	}
	if stream.Subindex != 0 || len(data) != 2 {
		return 0, od.ErrDevIncompat
	}

	nmtObj.mu.Lock()
	nmtObj.hearbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	nmtObj.mu.Unlock()

	nmtObj.logger.Debug("updated heartbeat producer period", "periodMs", binary.LittleEndian.Uint16(data))
	return od.WriteEntryDefault(stream, data)
}
