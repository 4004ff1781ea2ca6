package hpm

import (
	"encoding/binary"
	"fmt"
)

const (
	// vdmTag occupies the high nibble of the VDM header byte.
	vdmTag = 3

	// MaxVDMWords is the largest word count the header nibble can carry.
	MaxVDMWords = 15
)

// DFURequestVDM is the message that asks the controller to re-enumerate
// the port for a firmware update.
var DFURequestVDM = []uint32{0x05AC8012, 0x00000106, 0x80010000}

// VDMSizeError is returned by EncodeVDM for an out of range word count.
type VDMSizeError struct {
	Words int
}

func (e *VDMSizeError) Error() string {
	return fmt.Sprintf("hpm: VDM must carry 1-%d words, got %d", MaxVDMWords, e.Words)
}

// EncodeVDM builds the RegCommand payload of a CmdSendVDM: a header byte
// holding the tag and the word count, then every word little-endian.
func EncodeVDM(words []uint32) ([]byte, error) {
	if len(words) < 1 || len(words) > MaxVDMWords {
		return nil, &VDMSizeError{Words: len(words)}
	}
	buf := make([]byte, 1, 1+4*len(words))
	buf[0] = vdmTag<<4 | byte(len(words))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf, nil
}
