package hpm

import (
	"fmt"
	"strings"
)

// Command is a 32-bit controller command code. Codes are four ASCII
// characters packed with the first character in the most significant byte.
type Command uint32

// FourCC packs a four character code. It panics if s is not exactly four
// bytes long.
func FourCC(s string) Command {
	if len(s) != 4 {
		panic(fmt.Sprintf("hpm: command code %q must be four bytes", s))
	}
	return Command(uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3]))
}

var (
	// CmdEnterDBMa asks the controller to switch to DBMa mode.
	CmdEnterDBMa = FourCC("DBMa")
	// CmdSendVDM sends the vendor-defined message staged in RegCommand.
	CmdSendVDM = FourCC("VDMs")
)

// ModeDBMa is the content of RegMode once the controller is in DBMa mode.
const ModeDBMa = "DBMa"

// ResultCommandFailed is returned by Execute when the transport refused the
// command. It cannot collide with a chip result, which is a single nibble.
const ResultCommandFailed = -1

// String returns the printable four character form, or hex when the code
// contains non-printable bytes.
func (c Command) String() string {
	b := []byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)}
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7E {
			return fmt.Sprintf("0x%08X", uint32(c))
		}
	}
	return string(b)
}

// FormatBytes renders b as space separated hex pairs, the way result and
// reply registers are reported.
func FormatBytes(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", v)
	}
	return sb.String()
}
