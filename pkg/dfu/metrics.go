package dfu

// DisconnectReason tells how the end of a session was detected.
type DisconnectReason string

const (
	DisconnectStatus    DisconnectReason = "status"     // connection bit cleared
	DisconnectReadError DisconnectReason = "read_error" // status read failed
)

// Metrics receives supervisor events.
type Metrics interface {
	SessionStarted()
	HandshakeAttempt()
	HandshakeResult(entered bool)
	VDMResult(code int)
	Disconnected(reason DisconnectReason)
	RestoreFinished(err error)
	Fault()
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()               {}
func (nopMetrics) HandshakeAttempt()             {}
func (nopMetrics) HandshakeResult(bool)          {}
func (nopMetrics) VDMResult(int)                 {}
func (nopMetrics) Disconnected(DisconnectReason) {}
func (nopMetrics) RestoreFinished(error)         {}
func (nopMetrics) Fault()                        {}
