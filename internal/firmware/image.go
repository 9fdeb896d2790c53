// Package firmware loads application images for upload and inspects their
// vector table.
package firmware

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"

	"github.com/bigbag/iap-flasher/internal/flash"
)

// Format is the on-disk image format.
type Format string

const (
	FormatBinary Format = "bin"
	FormatHex    Format = "hex"
)

var (
	ErrEmptyImage = errors.New("image is empty")
	ErrTooLarge   = errors.New("image does not fit the target region")
)

// Image is an application image ready for upload.
type Image struct {
	Name   string
	Format Format
	// Base is the load address recorded in the file. Raw binaries have no
	// address and report the base they were loaded with.
	Base uint32
	Data []byte
}

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return FormatHex
	default:
		return FormatBinary
	}
}

// Load reads an image from path. base is the load address assumed for raw
// binaries.
func Load(path string, base uint32) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Parse(f, DetectFormat(path), base)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	img.Name = filepath.Base(path)
	return img, nil
}

// Parse reads an image in the given format.
func Parse(r io.Reader, format Format, base uint32) (*Image, error) {
	switch format {
	case FormatHex:
		return parseHex(r)
	case FormatBinary:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "read binary")
		}
		if len(data) == 0 {
			return nil, ErrEmptyImage
		}
		return &Image{Format: FormatBinary, Base: base, Data: data}, nil
	default:
		return nil, errors.Errorf("unknown image format %q", format)
	}
}

// parseHex flattens every data segment into one contiguous image. Gaps are
// filled with 0xFF, the erased flash value.
func parseHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse intel hex")
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, ErrEmptyImage
	}
	start := segments[0].Address
	end := start
	for _, s := range segments {
		if s.Address < start {
			start = s.Address
		}
		if e := s.Address + uint32(len(s.Data)); e > end {
			end = e
		}
	}

	return &Image{
		Format: FormatHex,
		Base:   start,
		Data:   mem.ToBinary(start, end-start, flash.Erased),
	}, nil
}

// WriteHex writes the image as Intel HEX at its base address.
func (img *Image) WriteHex(w io.Writer) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(img.Base, img.Data); err != nil {
		return errors.Wrap(err, "add binary")
	}
	return mem.DumpIntelHex(w, 16)
}

// Size returns the image length in bytes.
func (img *Image) Size() uint32 {
	return uint32(len(img.Data))
}

// CRC returns the CRC-32 the device verifies the image against.
func (img *Image) CRC() uint32 {
	return crc32.ChecksumIEEE(img.Data)
}

// Vector returns the initial stack pointer and reset handler from the first
// two words of the image.
func (img *Image) Vector() (sp, entry uint32, ok bool) {
	if len(img.Data) < 2*flash.WordSize {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(img.Data[0:]), binary.LittleEndian.Uint32(img.Data[4:]), true
}

// Report is the result of checking an image against a layout.
type Report struct {
	Size     uint32
	CRC      uint32
	SP       uint32
	Entry    uint32
	Warnings []string
}

// Check verifies the image fits the layout and points its vector table
// where the loader expects. Size problems are errors; vector table problems
// are reported as warnings since the loader still commits such an image.
func (img *Image) Check(layout flash.Layout) (*Report, error) {
	if len(img.Data) == 0 {
		return nil, ErrEmptyImage
	}
	rep := &Report{Size: img.Size(), CRC: img.CRC()}
	if rep.Size > layout.Staging.Size || rep.Size > layout.Execution.Size {
		return rep, errors.Wrapf(ErrTooLarge, "%d bytes, staging %d, execution %d",
			rep.Size, layout.Staging.Size, layout.Execution.Size)
	}

	if img.Format == FormatHex && img.Base != layout.Execution.Start {
		rep.Warnings = append(rep.Warnings,
			fmt.Sprintf("image linked at 0x%08X, execution region starts at 0x%08X", img.Base, layout.Execution.Start))
	}

	sp, entry, ok := img.Vector()
	if !ok {
		rep.Warnings = append(rep.Warnings, "image too short for a vector table")
		return rep, nil
	}
	rep.SP, rep.Entry = sp, entry
	if sp < layout.RAM.Start || sp > layout.RAM.End() {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("initial stack pointer 0x%08X outside RAM", sp))
	}
	// Thumb entry points have bit 0 set.
	if !layout.Execution.Contains(entry&^1, 1) {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("entry point 0x%08X outside execution region", entry))
	}
	return rep, nil
}
