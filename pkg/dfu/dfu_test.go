package dfu

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

// testConfig returns a validated config with no delays and captured output.
func testConfig(t *testing.T) (*Config, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	cfg := &Config{
		Timing: Timing{Attempts: 10},
		Out:    &out,
		Err:    &errOut,
	}
	require.NoError(t, cfg.Validate())
	return cfg, &out, &errOut
}

type recordingMetrics struct {
	sessions int
	attempts int
	entered  []bool
	vdm      []int
	reasons  []DisconnectReason
	restores []error
	faults   int
	onFault  func()
}

func (m *recordingMetrics) SessionStarted() { m.sessions++ }
func (m *recordingMetrics) HandshakeAttempt() { m.attempts++ }
func (m *recordingMetrics) HandshakeResult(entered bool) { m.entered = append(m.entered, entered) }
func (m *recordingMetrics) VDMResult(code int) { m.vdm = append(m.vdm, code) }
func (m *recordingMetrics) RestoreFinished(err error) { m.restores = append(m.restores, err) }

func (m *recordingMetrics) Disconnected(reason DisconnectReason) {
	m.reasons = append(m.reasons, reason)
}

func (m *recordingMetrics) Fault() {
	m.faults++
	if m.onFault != nil {
		m.onFault()
	}
}

type keyQueue struct {
	keys []byte
}

func (q *keyQueue) PollKey() (byte, bool) {
	if len(q.keys) == 0 {
		return 0, false
	}
	k := q.keys[0]
	q.keys = q.keys[1:]
	return k, true
}

type countingRestorer struct {
	calls int
	err   error
}

func (r *countingRestorer) Restore(context.Context) error {
	r.calls++
	return r.err
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Timing: DefaultTiming()}
	require.NoError(t, cfg.Validate())
	assert.NotNil(t, cfg.Out)
	assert.NotNil(t, cfg.Err)
	assert.NotNil(t, cfg.Metrics)

	cfg = &Config{Timing: Timing{Attempts: 0}}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Timing: Timing{Attempts: 1, Poll: -1}}
	assert.Error(t, cfg.Validate())
}

func TestLocatorSkipsSecondaryInstance(t *testing.T) {
	cfg, _, _ := testConfig(t)
	secondary := hpm.NewSimCandidate("hpm1", 1, hpm.NewSimChip())
	reg := &hpm.SimRegistry{Entries: []*hpm.SimCandidate{secondary}}

	dev, err := NewLocator(reg, cfg).Locate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, dev)
	assert.Equal(t, 0, secondary.Bound(), "secondary instance must never be bound")
	assert.Equal(t, 1, secondary.Released())
}

func TestLocatorSelectsFirstConnectedPrimary(t *testing.T) {
	cfg, out, _ := testConfig(t)

	idle := hpm.NewSimChip()
	idle.Connected = false
	noRID := hpm.NewSimCandidate("norid", 0, hpm.NewSimChip())
	delete(noRID.Props, hpm.PropRID)
	broken := hpm.NewSimCandidate("broken", 0, hpm.NewSimChip())
	broken.BindErr = errors.New("exclusive access")

	entries := []*hpm.SimCandidate{
		hpm.NewSimCandidate("secondary", 1, hpm.NewSimChip()),
		noRID,
		broken,
		hpm.NewSimCandidate("idle", 0, idle),
		hpm.NewSimCandidate("primary", 0, hpm.NewSimChip()),
		hpm.NewSimCandidate("late", 0, hpm.NewSimChip()),
	}
	reg := &hpm.SimRegistry{Entries: entries}

	dev, err := NewLocator(reg, cfg).Locate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "primary", dev.Path())
	assert.Contains(t, out.String(), "HPM controller: primary\n")

	for _, c := range entries {
		assert.Equal(t, 1, c.Released(), "candidate %s not released", c.Name)
	}
	assert.Equal(t, 0, entries[0].Bound())
	assert.Equal(t, 0, entries[1].Bound())
	assert.Equal(t, 1, entries[3].Bound())
	assert.True(t, idle.Closed(), "unsuitable candidate transport left open")
	assert.Equal(t, 0, entries[5].Bound(), "search continued after a match")

	require.NoError(t, dev.Close())
}

func TestLocatorStatusReadFault(t *testing.T) {
	cfg, _, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.ReadStatus = map[uint8]hpm.Status{hpm.RegConnection: hpm.StatusIOError}
	first := hpm.NewSimCandidate("faulty", 0, chip)
	second := hpm.NewSimCandidate("good", 0, hpm.NewSimChip())
	reg := &hpm.SimRegistry{Entries: []*hpm.SimCandidate{first, second}}

	dev, err := NewLocator(reg, cfg).Locate(context.Background())
	require.Error(t, err)
	assert.Nil(t, dev)
	assert.True(t, hpm.IsTransportError(err))
	assert.True(t, chip.Closed())
	assert.Equal(t, 0, second.Bound())
	assert.Equal(t, 1, first.Released())
	assert.Equal(t, 1, second.Released())
}

func TestLocatorEnumerateError(t *testing.T) {
	cfg, _, _ := testConfig(t)
	reg := &hpm.SimRegistry{EnumerateErr: errors.New("registry unavailable")}
	_, err := NewLocator(reg, cfg).Locate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enumerate controllers")
}

func TestEnterDFUFirstAttempt(t *testing.T) {
	cfg, out, _ := testConfig(t)
	m := &recordingMetrics{}
	cfg.Metrics = m

	chip := hpm.NewSimChip()
	chip.VDMReply = []byte{0xAA, 0xBB}
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))

	res, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, res.Entered)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []byte("DBMa"), res.Mode)
	assert.Equal(t, 0, res.VDMResult)
	assert.Equal(t, []byte{0xAA, 0xBB, 0, 0, 0, 0, 0, 0}, res.VDMReply)

	assert.Equal(t, 1, chip.Commands(hpm.CmdEnterDBMa))
	assert.Equal(t, 1, chip.Commands(hpm.CmdSendVDM))
	want, err := hpm.EncodeVDM(hpm.DFURequestVDM)
	require.NoError(t, err)
	assert.Equal(t, want, chip.LastVDM()[:len(want)])

	assert.Equal(t, 1, m.attempts)
	assert.Equal(t, []bool{true}, m.entered)
	assert.Equal(t, []int{0}, m.vdm)

	s := out.String()
	assert.Contains(t, s, "Entering DBMa...\n")
	assert.Contains(t, s, "Entered DBMa mode.\n")
	assert.Contains(t, s, "DFU VDM reply (0x4d): aa bb 00 00 00 00 00 00\n")
	assert.Contains(t, s, "DFU command sent. Device should re-enumerate.\n")
}

func TestEnterDFUAttemptCount(t *testing.T) {
	for _, k := range []int{2, 5, 10} {
		cfg, _, _ := testConfig(t)
		chip := hpm.NewSimChip()
		chip.EnterAfter = k
		dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(cfg.Out))

		res, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
		require.NoError(t, err, "EnterAfter=%d", k)
		assert.Equal(t, k, res.Attempts)
		assert.Equal(t, k, chip.Commands(hpm.CmdEnterDBMa))
		assert.Equal(t, k, chip.Reads(hpm.RegMode))
		assert.Equal(t, 1, chip.Commands(hpm.CmdSendVDM))
	}
}

func TestEnterDFUExhausted(t *testing.T) {
	cfg, out, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.EnterAfter = 0
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))

	res, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
	var exhausted *HandshakeExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 10, exhausted.Attempts)
	assert.Equal(t, []byte("APP "), exhausted.Mode)
	assert.False(t, res.Entered)
	assert.Equal(t, hpm.ResultCommandFailed, res.VDMResult)

	assert.Equal(t, 10, chip.Commands(hpm.CmdEnterDBMa))
	assert.Equal(t, 0, chip.Commands(hpm.CmdSendVDM), "VDM must not be sent without DBMa")
	assert.Equal(t, 0, chip.Reads(hpm.RegVDMReply))
	assert.Contains(t, out.String(), "Failed to enter DBMa mode after retries. 0x03 = 41 50 50 20\n")
}

func TestEnterDFURefusedCommandStillChecksMode(t *testing.T) {
	cfg, _, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.EnterAfter = 0
	chip.CommandStatus = map[hpm.Command]hpm.Status{hpm.CmdEnterDBMa: hpm.StatusNotResponding}
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(cfg.Out))

	_, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
	var exhausted *HandshakeExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 10, chip.Reads(hpm.RegMode))
}

func TestEnterDFUVDMRefused(t *testing.T) {
	cfg, out, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.CommandStatus = map[hpm.Command]hpm.Status{hpm.CmdSendVDM: hpm.StatusIOError}
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))

	res, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, hpm.ResultCommandFailed, res.VDMResult)
	assert.Equal(t, 1, chip.Reads(hpm.RegVDMReply), "reply register is read even when the VDM is refused")
	assert.Contains(t, out.String(), "DFU command failed with result code: -1\n")
}

func TestEnterDFUVDMResultCode(t *testing.T) {
	cfg, out, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.ResultCode = map[hpm.Command]byte{hpm.CmdSendVDM: 0xF3}
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))

	res, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, 3, res.VDMResult)
	assert.Contains(t, out.String(), "DFU command failed with result code: 3\n")
}

func TestEnterDFUModeReadFailure(t *testing.T) {
	cfg, _, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.ReadStatus = map[uint8]hpm.Status{hpm.RegMode: hpm.StatusIOError}
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(cfg.Out))

	_, err := NewSequencer(cfg).EnterDFU(context.Background(), dev)
	require.Error(t, err)
	assert.True(t, hpm.IsTransportError(err))
	assert.Equal(t, 1, chip.Commands(hpm.CmdEnterDBMa))
}

func TestWatchDisconnect(t *testing.T) {
	cfg, out, _ := testConfig(t)
	m := &recordingMetrics{}
	cfg.Metrics = m
	chip := hpm.NewSimChip()
	chip.DisconnectAfter = 3
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))
	restorer := &countingRestorer{}

	res, err := NewMonitor(cfg, restorer).Watch(context.Background(), dev, &keyQueue{})
	require.NoError(t, err)
	assert.Equal(t, DisconnectStatus, res.Reason)
	assert.Equal(t, 4, res.Polls)
	assert.False(t, res.Restored)
	assert.Equal(t, 0, restorer.calls)
	assert.Equal(t, []DisconnectReason{DisconnectStatus}, m.reasons)
	assert.Contains(t, out.String(), "(press 'r' to restore)")
	assert.Contains(t, out.String(), "Device disconnected.\n")
}

func TestWatchReadErrorIsDisconnect(t *testing.T) {
	cfg, out, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.ReadStatus = map[uint8]hpm.Status{hpm.RegConnection: hpm.StatusNotResponding}
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))

	res, err := NewMonitor(cfg, nil).Watch(context.Background(), dev, nil)
	require.NoError(t, err)
	assert.Equal(t, DisconnectReadError, res.Reason)
	assert.True(t, hpm.IsTransportError(res.ReadErr))
	assert.Equal(t, 1, res.Polls)
	assert.NotContains(t, out.String(), "press 'r'")
	assert.Contains(t, out.String(), "treating as disconnect")
}

func TestWatchRestoreOnce(t *testing.T) {
	cfg, out, _ := testConfig(t)
	m := &recordingMetrics{}
	cfg.Metrics = m
	chip := hpm.NewSimChip()
	chip.DisconnectAfter = 2
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))
	restorer := &countingRestorer{}

	var states []State
	mon := NewMonitor(cfg, restorer)
	mon.onState = func(s State) { states = append(states, s) }

	// A second 'r' while waiting for the disconnect must not start another restore.
	res, err := mon.Watch(context.Background(), dev, &keyQueue{keys: []byte{'x', 'r', 'R'}})
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.NoError(t, res.RestoreErr)
	assert.Equal(t, 1, restorer.calls)
	assert.Equal(t, DisconnectStatus, res.Reason)
	assert.Equal(t, []error{nil}, m.restores)
	assert.Equal(t, []State{
		StateRestoreRequested,
		StateRestoreInProgress,
		StateWaitingDisconnect,
		StateDisconnected,
	}, states)

	s := out.String()
	assert.Contains(t, s, "Restore requested. Starting restore...\n")
	assert.Contains(t, s, "Restore finished.\n")
	assert.Contains(t, s, "Waiting for disconnect...\n")
}

func TestWatchRestoreFailure(t *testing.T) {
	cfg, _, errOut := testConfig(t)
	chip := hpm.NewSimChip()
	chip.DisconnectAfter = 1
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(cfg.Out))
	restorer := &countingRestorer{err: errors.New("exit status 3")}

	res, err := NewMonitor(cfg, restorer).Watch(context.Background(), dev, &keyQueue{keys: []byte{'r'}})
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.EqualError(t, res.RestoreErr, "exit status 3")
	assert.Equal(t, DisconnectStatus, res.Reason)
	assert.Contains(t, errOut.String(), "Restore failed: exit status 3\n")
}

func TestWatchIgnoresKeyWithoutRestorer(t *testing.T) {
	cfg, out, _ := testConfig(t)
	chip := hpm.NewSimChip()
	chip.DisconnectAfter = 2
	dev := hpm.NewDevice(chip, "sim0", hpm.WithOutput(out))

	res, err := NewMonitor(cfg, nil).Watch(context.Background(), dev, &keyQueue{keys: []byte{'r'}})
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, 3, res.Polls)
	assert.Contains(t, out.String(), "No restore tool configured")
}

func TestWatchCancelled(t *testing.T) {
	cfg, _, _ := testConfig(t)
	cfg.Timing.Poll = time.Hour
	dev := hpm.NewDevice(hpm.NewSimChip(), "sim0", hpm.WithOutput(cfg.Out))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMonitor(cfg, nil).Watch(ctx, dev, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunnerSession(t *testing.T) {
	cfg, out, _ := testConfig(t)
	m := &recordingMetrics{}
	cfg.Metrics = m
	chip := hpm.NewSimChip()
	chip.DisconnectAfter = 2
	cand := hpm.NewSimCandidate("hpm0", 0, chip)
	reg := &hpm.SimRegistry{Entries: []*hpm.SimCandidate{
		hpm.NewSimCandidate("hpm1", 1, hpm.NewSimChip()),
		cand,
	}}

	r, err := NewRunner(reg, nil, nil, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reports []SessionReport
	r.OnSession = func(rep SessionReport) {
		reports = append(reports, rep)
		cancel()
	}

	err = r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, reports, 1)

	rep := reports[0]
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, "hpm0", rep.Path)
	require.NotNil(t, rep.Entry)
	assert.True(t, rep.Entry.Entered)
	require.NotNil(t, rep.Watch)
	assert.Equal(t, DisconnectStatus, rep.Watch.Reason)
	assert.True(t, chip.Closed(), "device not closed after the session")
	assert.Equal(t, 1, m.sessions)

	s := out.String()
	assert.True(t, strings.HasPrefix(s, "Auto DFU running...\n"))
	assert.Contains(t, s, "Device detected. Initiating DFU procedure...\n")
	assert.Contains(t, s, "Command 0x44424d61 result: ")
}

func TestRunnerContinuesAfterHandshakeFailure(t *testing.T) {
	cfg, _, errOut := testConfig(t)
	chip := hpm.NewSimChip()
	chip.EnterAfter = 0
	chip.DisconnectAfter = 1
	reg := &hpm.SimRegistry{Entries: []*hpm.SimCandidate{hpm.NewSimCandidate("hpm0", 0, chip)}}

	r, err := NewRunner(reg, nil, nil, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rep SessionReport
	r.OnSession = func(s SessionReport) {
		rep = s
		cancel()
	}
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	require.NotNil(t, rep.Entry)
	assert.False(t, rep.Entry.Entered)
	assert.Equal(t, 0, chip.Commands(hpm.CmdSendVDM))
	require.NotNil(t, rep.Watch, "monitoring must follow a failed handshake")
	assert.Empty(t, errOut.String())
}

func TestRunnerFaultBacksOff(t *testing.T) {
	cfg, _, errOut := testConfig(t)
	m := &recordingMetrics{}
	cfg.Metrics = m
	reg := &hpm.SimRegistry{EnumerateErr: errors.New("registry unavailable")}

	r, err := NewRunner(reg, nil, nil, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.onFault = func() {
		if m.faults == 2 {
			cancel()
		}
	}

	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Equal(t, 2, m.faults)
	assert.Equal(t, 2, reg.Enumerations())
	assert.Contains(t, errOut.String(), "\nError: enumerate controllers: registry unavailable\n")
}

type cancellingRegistry struct {
	hpm.SimRegistry
	limit  int
	cancel context.CancelFunc
}

func (r *cancellingRegistry) Enumerate(ctx context.Context) ([]hpm.Candidate, error) {
	c, err := r.SimRegistry.Enumerate(ctx)
	if r.Enumerations() >= r.limit {
		r.cancel()
	}
	return c, err
}

func TestRunnerWaitingLineOnce(t *testing.T) {
	cfg, out, _ := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := &cancellingRegistry{limit: 5, cancel: cancel}

	r, err := NewRunner(reg, nil, nil, cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Equal(t, 5, reg.Enumerations())
	assert.Equal(t, 1, strings.Count(out.String(), "Waiting for a connected HPM controller..."))
}

func TestNewRunnerRejectsNilRegistry(t *testing.T) {
	_, err := NewRunner(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Searching", StateSearching.String())
	assert.Equal(t, "WaitingDisconnect", StateWaitingDisconnect.String())
	assert.Equal(t, "INVALID", State(99).String())
}
