package hpm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// scenarioLexer tokenizes simulator scenario files:
//
//	# primary port, enters DBMa on the third try
//	device "IOService:/AppleARMPE/hpm0" rid 0 enter-after 3 disconnect-after 6
//	device "IOService:/AppleARMPE/hpm1" rid 1
var scenarioLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s]+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Hex", Pattern: `0[xX][0-9a-fA-F]+`},
	{Name: "Int", Pattern: `-?\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_-]*`},
})

// Scenario describes a set of simulated registry entries.
type Scenario struct {
	Devices []*ScenarioDevice `@@*`
}

// ScenarioDevice is one "device" statement.
type ScenarioDevice struct {
	Pos     lexer.Position
	Path    string            `"device" @String`
	Options []*ScenarioOption `@@*`
}

// ScenarioOption is a single device attribute. Exactly one field is set.
type ScenarioOption struct {
	RID             *int64   `  "rid" @Int`
	NoRID           bool     `| @"no-rid"`
	Disconnected    bool     `| @"disconnected"`
	EnterAfter      *int     `| "enter-after" @Int`
	NeverEnter      bool     `| @"never-enter"`
	DisconnectAfter *int     `| "disconnect-after" @Int`
	VDMResult       *int     `| "vdm-result" @Int`
	VDMReply        []string `| "vdm-reply" @Hex+`
	Refuse          *string  `| "refuse" @String`
	BindError       *string  `| "bind-error" @String`
	ReadError       *string  `| "read-error" @Hex`
}

var scenarioParser = participle.MustBuild[Scenario](
	participle.Lexer(scenarioLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
)

// ParseScenario parses a scenario from a reader.
func ParseScenario(name string, r io.Reader) (*Scenario, error) {
	sc, err := scenarioParser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return sc, nil
}

// ParseScenarioString parses a scenario held in a string.
func ParseScenarioString(input string) (*Scenario, error) {
	sc, err := scenarioParser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return sc, nil
}

// ParseScenarioFile parses a scenario file.
func ParseScenarioFile(filename string) (*Scenario, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return ParseScenario(filename, f)
}

// Build creates a SimRegistry holding one candidate per device statement,
// in file order.
func (s *Scenario) Build() (*SimRegistry, error) {
	reg := &SimRegistry{}
	for _, d := range s.Devices {
		cand, err := d.build()
		if err != nil {
			return nil, fmt.Errorf("%s: device %q: %w", d.Pos, d.Path, err)
		}
		reg.Entries = append(reg.Entries, cand)
	}
	return reg, nil
}

func (d *ScenarioDevice) build() (*SimCandidate, error) {
	chip := NewSimChip()
	cand := NewSimCandidate(d.Path, 0, chip)

	for _, o := range d.Options {
		switch {
		case o.RID != nil:
			cand.Props[PropRID] = *o.RID
		case o.NoRID:
			delete(cand.Props, PropRID)
		case o.Disconnected:
			chip.Connected = false
		case o.EnterAfter != nil:
			if *o.EnterAfter < 1 {
				return nil, fmt.Errorf("enter-after must be positive, got %d", *o.EnterAfter)
			}
			chip.EnterAfter = *o.EnterAfter
		case o.NeverEnter:
			chip.EnterAfter = 0
		case o.DisconnectAfter != nil:
			if *o.DisconnectAfter < 0 {
				return nil, fmt.Errorf("disconnect-after must not be negative, got %d", *o.DisconnectAfter)
			}
			chip.DisconnectAfter = *o.DisconnectAfter
		case o.VDMResult != nil:
			if *o.VDMResult < 0 || *o.VDMResult > 0x0F {
				return nil, fmt.Errorf("vdm-result must fit in a nibble, got %d", *o.VDMResult)
			}
			if chip.ResultCode == nil {
				chip.ResultCode = make(map[Command]byte)
			}
			chip.ResultCode[CmdSendVDM] = byte(*o.VDMResult)
		case len(o.VDMReply) > 0:
			reply := make([]byte, 0, len(o.VDMReply))
			for _, h := range o.VDMReply {
				b, err := strconv.ParseUint(h, 0, 8)
				if err != nil {
					return nil, fmt.Errorf("vdm-reply byte %s: %w", h, err)
				}
				reply = append(reply, byte(b))
			}
			chip.VDMReply = reply
		case o.Refuse != nil:
			if len(*o.Refuse) != 4 {
				return nil, fmt.Errorf("refuse needs a four character command, got %q", *o.Refuse)
			}
			if chip.CommandStatus == nil {
				chip.CommandStatus = make(map[Command]Status)
			}
			chip.CommandStatus[FourCC(*o.Refuse)] = StatusNotResponding
		case o.BindError != nil:
			cand.BindErr = errors.New(*o.BindError)
		case o.ReadError != nil:
			addr, err := strconv.ParseUint(*o.ReadError, 0, 8)
			if err != nil {
				return nil, fmt.Errorf("read-error register %s: %w", *o.ReadError, err)
			}
			if chip.ReadStatus == nil {
				chip.ReadStatus = make(map[uint8]Status)
			}
			chip.ReadStatus[uint8(addr)] = StatusIOError
		}
	}
	return cand, nil
}
