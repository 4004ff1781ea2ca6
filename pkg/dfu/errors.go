package dfu

import (
	"fmt"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

// HandshakeExhaustedError indicates that the controller never reported
// DBMa mode. It is not fatal: the session continues with monitoring.
type HandshakeExhaustedError struct {
	Attempts int
	Mode     []byte // first bytes of the last mode register read
}

func (e *HandshakeExhaustedError) Error() string {
	return fmt.Sprintf("failed to enter DBMa mode after %d attempts, 0x03 = %s",
		e.Attempts, hpm.FormatBytes(e.Mode))
}
