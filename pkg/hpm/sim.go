package hpm

import (
	"context"
	"errors"
)

// SimOpKind identifies a recorded transport call.
type SimOpKind uint8

const (
	SimOpRead SimOpKind = iota
	SimOpWrite
	SimOpCommand
)

// SimOp captures one transport call for inspection within tests.
type SimOp struct {
	Kind     SimOpKind
	DataAddr uint8
	Cmd      Command
	Data     []byte
	Status   Status
}

// SimChip is an in-memory controller useful for tests and dry runs. It
// models the connection bit, the DBMa handshake and the VDM exchange, and
// records every call.
type SimChip struct {
	// Connected is the initial state of the connection bit.
	Connected bool

	// EnterAfter is the number of CmdEnterDBMa commands after which
	// RegMode reads "DBMa". Zero means the chip never enters the mode.
	EnterAfter int

	// DisconnectAfter clears the connection bit once RegConnection has
	// been read that many times. Zero keeps the bit as is.
	DisconnectAfter int

	// IdleMode is reported by RegMode before the handshake succeeds.
	IdleMode string

	// CommandStatus forces a transport status for a command.
	CommandStatus map[Command]Status

	// ResultCode is the chip result stored in RegCommand after a command.
	ResultCode map[Command]byte

	// VDMReply is placed in RegVDMReply after CmdSendVDM.
	VDMReply []byte

	// ReadStatus and WriteStatus force failures for register accesses.
	ReadStatus  map[uint8]Status
	WriteStatus Status

	regs     map[uint8][]byte
	ops      []SimOp
	enterCnt int
	connRead int
	entered  bool
	closed   bool
	lastVDM  []byte
}

// NewSimChip returns a connected chip that enters DBMa on the first try
// and accepts every command.
func NewSimChip() *SimChip {
	return &SimChip{
		Connected:  true,
		EnterAfter: 1,
		IdleMode:   "APP ",
	}
}

func (s *SimChip) reg(addr uint8) []byte {
	if s.regs == nil {
		s.regs = make(map[uint8][]byte)
	}
	r, ok := s.regs[addr]
	if !ok {
		r = make([]byte, RegisterSize)
		s.regs[addr] = r
	}
	return r
}

// SetRegister preloads a register.
func (s *SimChip) SetRegister(addr uint8, data []byte) {
	r := s.reg(addr)
	clear(r)
	copy(r, data)
}

func (s *SimChip) Read(_ uint64, dataAddr uint8, buf []byte, _ uint32) (int, Status) {
	op := SimOp{Kind: SimOpRead, DataAddr: dataAddr}
	if st, ok := s.ReadStatus[dataAddr]; ok && st != StatusSuccess {
		op.Status = st
		s.ops = append(s.ops, op)
		return 0, st
	}

	switch dataAddr {
	case RegConnection:
		s.connRead++
		if s.DisconnectAfter > 0 && s.connRead > s.DisconnectAfter {
			s.Connected = false
		}
		r := s.reg(RegConnection)
		if s.Connected {
			r[0] |= connectedBit
		} else {
			r[0] &^= connectedBit
		}
	case RegMode:
		if s.entered {
			s.SetRegister(RegMode, []byte(ModeDBMa))
		} else if _, ok := s.regs[RegMode]; !ok {
			s.SetRegister(RegMode, []byte(s.IdleMode))
		}
	}

	n := copy(buf, s.reg(dataAddr))
	s.ops = append(s.ops, op)
	return n, StatusSuccess
}

func (s *SimChip) Write(_ uint64, dataAddr uint8, data []byte, _ uint32) Status {
	op := SimOp{Kind: SimOpWrite, DataAddr: dataAddr, Data: append([]byte(nil), data...), Status: s.WriteStatus}
	s.ops = append(s.ops, op)
	if s.WriteStatus != StatusSuccess {
		return s.WriteStatus
	}
	s.SetRegister(dataAddr, data)
	return StatusSuccess
}

func (s *SimChip) Command(_ uint64, cmd uint32, _ uint32) Status {
	c := Command(cmd)
	st := s.CommandStatus[c]
	s.ops = append(s.ops, SimOp{Kind: SimOpCommand, Cmd: c, Status: st})
	if st != StatusSuccess {
		return st
	}

	switch c {
	case CmdEnterDBMa:
		s.enterCnt++
		if s.EnterAfter > 0 && s.enterCnt >= s.EnterAfter {
			s.entered = true
		}
	case CmdSendVDM:
		s.lastVDM = append([]byte(nil), s.reg(RegCommand)...)
		s.SetRegister(RegVDMReply, s.VDMReply)
	}

	res := s.reg(RegCommand)
	clear(res)
	res[0] = s.ResultCode[c] & 0x0F
	return StatusSuccess
}

func (s *SimChip) Close() error {
	if s.closed {
		return errors.New("hpm: simulated transport closed twice")
	}
	s.closed = true
	return nil
}

// Closed reports whether the transport has been closed.
func (s *SimChip) Closed() bool {
	return s.closed
}

// Ops returns a copy of every recorded call.
func (s *SimChip) Ops() []SimOp {
	return append([]SimOp(nil), s.ops...)
}

// Commands counts how many times cmd was issued, refused or not.
func (s *SimChip) Commands(cmd Command) int {
	n := 0
	for _, op := range s.ops {
		if op.Kind == SimOpCommand && op.Cmd == cmd {
			n++
		}
	}
	return n
}

// Reads counts reads of a register.
func (s *SimChip) Reads(dataAddr uint8) int {
	n := 0
	for _, op := range s.ops {
		if op.Kind == SimOpRead && op.DataAddr == dataAddr {
			n++
		}
	}
	return n
}

// LastVDM returns the RegCommand payload staged for the last CmdSendVDM.
func (s *SimChip) LastVDM() []byte {
	return append([]byte(nil), s.lastVDM...)
}

// SimCandidate is a registry entry backed by a SimChip.
type SimCandidate struct {
	Name    string
	Props   map[string]int64
	Chip    *SimChip
	BindErr error

	released int
	bound    int
}

// NewSimCandidate returns a candidate with the given RID.
func NewSimCandidate(name string, rid int64, chip *SimChip) *SimCandidate {
	return &SimCandidate{
		Name:  name,
		Props: map[string]int64{PropRID: rid},
		Chip:  chip,
	}
}

func (c *SimCandidate) Path() string {
	return c.Name
}

func (c *SimCandidate) Property(name string) (int64, bool) {
	v, ok := c.Props[name]
	return v, ok
}

func (c *SimCandidate) Bind() (Transport, error) {
	if c.BindErr != nil {
		return nil, c.BindErr
	}
	if c.Chip == nil {
		return nil, errors.New("hpm: no simulated chip behind candidate")
	}
	c.bound++
	c.Chip.closed = false
	return c.Chip, nil
}

func (c *SimCandidate) Release() error {
	c.released++
	return nil
}

// Released reports how many times the candidate was released.
func (c *SimCandidate) Released() int {
	return c.released
}

// Bound reports how many transports were bound from the candidate.
func (c *SimCandidate) Bound() int {
	return c.bound
}

// SimRegistry enumerates SimCandidates in order.
type SimRegistry struct {
	Entries      []*SimCandidate
	EnumerateErr error

	enumerations int
}

func (r *SimRegistry) Enumerate(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.enumerations++
	if r.EnumerateErr != nil {
		return nil, r.EnumerateErr
	}
	out := make([]Candidate, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e)
	}
	return out, nil
}

// Enumerations reports how many times Enumerate was called.
func (r *SimRegistry) Enumerations() int {
	return r.enumerations
}
