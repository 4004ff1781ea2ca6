// Package config holds the optional HCL configuration file of autodfu.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"github.com/OpenTraceLab/autodfu/pkg/dfu"
	"github.com/OpenTraceLab/autodfu/pkg/firmware"
	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

type Schema struct {
	Firmware *FirmwareSchema `hcl:"firmware,block"`
	Restore  *RestoreSchema  `hcl:"restore,block"`
	Timing   *TimingSchema   `hcl:"timing,block"`
	USB      *USBSchema      `hcl:"usb,block"`
	Metrics  *MetricsSchema  `hcl:"metrics,block"`
}

type FirmwareSchema struct {
	Directory  string   `hcl:"directory,optional"`
	Extensions []string `hcl:"extensions,optional"`
}

type RestoreSchema struct {
	Tool string   `hcl:"tool,optional"`
	Args []string `hcl:"args,optional"`
}

// TimingSchema durations use time.ParseDuration syntax.
type TimingSchema struct {
	Settle   string `hcl:"settle,optional"`
	Poll     string `hcl:"poll,optional"`
	Search   string `hcl:"search,optional"`
	Backoff  string `hcl:"backoff,optional"`
	Attempts int    `hcl:"attempts,optional"`
}

// USBSchema IDs are strings so that hex notation can be used.
type USBSchema struct {
	Vendor  string `hcl:"vendor,optional"`
	Product string `hcl:"product,optional"`
}

type MetricsSchema struct {
	Listen string `hcl:"listen,optional"`
}

// Default returns the built-in configuration with every block present.
func Default() *Schema {
	t := dfu.DefaultTiming()
	return &Schema{
		Firmware: &FirmwareSchema{
			Directory:  firmware.DefaultDir,
			Extensions: append([]string(nil), firmware.DefaultExtensions...),
		},
		Restore: &RestoreSchema{Tool: firmware.DefaultTool},
		Timing: &TimingSchema{
			Settle:   t.Settle.String(),
			Poll:     t.Poll.String(),
			Search:   t.Search.String(),
			Backoff:  t.Backoff.String(),
			Attempts: t.Attempts,
		},
		USB: &USBSchema{
			Vendor:  fmt.Sprintf("0x%04x", hpm.VendorIDBridge),
			Product: fmt.Sprintf("0x%04x", hpm.ProductIDBridge),
		},
		Metrics: &MetricsSchema{},
	}
}

// Load reads path and overlays it on Default. An empty path returns the
// defaults.
func Load(path string) (*Schema, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := s.Decode(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Decode parses data and merges the attributes it sets into s.
func (s *Schema) Decode(data []byte) error {
	file, diag := hclsyntax.ParseConfig(data, "", hcl.Pos{Line: 1, Column: 1})
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	in := new(Schema)
	diag = gohcl.DecodeBody(file.Body, nil, in)
	if diag.HasErrors() {
		return diag.Errs()[0]
	}
	s.merge(in)
	return s.Validate()
}

func (s *Schema) merge(in *Schema) {
	if f := in.Firmware; f != nil {
		if f.Directory != "" {
			s.Firmware.Directory = f.Directory
		}
		if len(f.Extensions) > 0 {
			s.Firmware.Extensions = f.Extensions
		}
	}
	if r := in.Restore; r != nil {
		if r.Tool != "" {
			s.Restore.Tool = r.Tool
		}
		if r.Args != nil {
			s.Restore.Args = r.Args
		}
	}
	if t := in.Timing; t != nil {
		for _, f := range []struct{ dst, src *string }{
			{&s.Timing.Settle, &t.Settle},
			{&s.Timing.Poll, &t.Poll},
			{&s.Timing.Search, &t.Search},
			{&s.Timing.Backoff, &t.Backoff},
		} {
			if *f.src != "" {
				*f.dst = *f.src
			}
		}
		if t.Attempts != 0 {
			s.Timing.Attempts = t.Attempts
		}
	}
	if u := in.USB; u != nil {
		if u.Vendor != "" {
			s.USB.Vendor = u.Vendor
		}
		if u.Product != "" {
			s.USB.Product = u.Product
		}
	}
	if m := in.Metrics; m != nil && m.Listen != "" {
		s.Metrics.Listen = m.Listen
	}
}

// Validate checks that every value can be converted.
func (s *Schema) Validate() error {
	t, err := s.DFUTiming()
	if err != nil {
		return err
	}
	cfg := dfu.Config{Timing: t}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, _, err := s.USBIDs(); err != nil {
		return err
	}
	if s.Firmware.Directory == "" {
		return errors.New("firmware directory cannot be empty")
	}
	return nil
}

// DFUTiming converts the timing block.
func (s *Schema) DFUTiming() (dfu.Timing, error) {
	t := dfu.Timing{Attempts: s.Timing.Attempts}
	for _, f := range []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"settle", s.Timing.Settle, &t.Settle},
		{"poll", s.Timing.Poll, &t.Poll},
		{"search", s.Timing.Search, &t.Search},
		{"backoff", s.Timing.Backoff, &t.Backoff},
	} {
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return t, fmt.Errorf("timing %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return t, nil
}

// USBIDs converts the usb block.
func (s *Schema) USBIDs() (vid, pid uint16, err error) {
	v, err := strconv.ParseUint(s.USB.Vendor, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("usb vendor %q: %w", s.USB.Vendor, err)
	}
	p, err := strconv.ParseUint(s.USB.Product, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("usb product %q: %w", s.USB.Product, err)
	}
	return uint16(v), uint16(p), nil
}

// Restorer builds the restore collaborator for image.
func (s *Schema) Restorer(image string) *firmware.Restorer {
	return &firmware.Restorer{
		Tool:  s.Restore.Tool,
		Args:  append([]string(nil), s.Restore.Args...),
		Image: image,
	}
}

func (s *Schema) Encode() []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(s, f.Body())
	return f.Bytes()
}
