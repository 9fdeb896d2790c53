package flash

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/bigbag/iap-flasher/embedded"
)

// WordSize is the programming granularity in bytes.
const WordSize = 4

// MetaSize is the number of bytes reserved for the metadata record at MetaAddr.
const MetaSize = 32

// Sector is one erase unit.
type Sector struct {
	Base uint32
	Size uint32
}

// End returns the first address past the sector.
func (s Sector) End() uint32 {
	return s.Base + s.Size
}

// Region is a contiguous address range.
type Region struct {
	Start uint32
	Size  uint32
}

// End returns the first address past the region.
func (r Region) End() uint32 {
	return r.Start + r.Size
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr, n uint32) bool {
	if addr < r.Start {
		return false
	}
	off := uint64(addr-r.Start) + uint64(n)
	return off <= uint64(r.Size)
}

func (r Region) overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Layout describes how the flash of one device is split between the
// first-stage loader, the running application and the staging area.
type Layout struct {
	Name      string
	Sectors   []Sector
	Boot      Region
	Execution Region
	Staging   Region
	RAM       Region
	MetaAddr  uint32
}

// Addr is a 32-bit address that decodes from either a JSON number or a
// string such as "0x08000000".
type Addr uint32

// UnmarshalJSON implements json.Unmarshaler.
func (a *Addr) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid address %s", string(b))
	}
	*a = Addr(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Addr) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"0x%08X"`, uint32(a))), nil
}

type layoutJSON struct {
	Name    string `json:"name"`
	Sectors []struct {
		Base Addr `json:"base"`
		Size Addr `json:"size"`
	} `json:"sectors"`
	Boot      regionJSON `json:"boot"`
	Execution regionJSON `json:"execution"`
	Staging   regionJSON `json:"staging"`
	RAM       regionJSON `json:"ram"`
	MetaAddr  Addr       `json:"meta_addr"`
}

type regionJSON struct {
	Start Addr `json:"start"`
	Size  Addr `json:"size"`
}

func (r regionJSON) region() Region {
	return Region{Start: uint32(r.Start), Size: uint32(r.Size)}
}

// ParseLayout decodes and validates a JSON layout document.
func ParseLayout(data []byte) (Layout, error) {
	var raw layoutJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Layout{}, errors.Wrap(err, "decode layout")
	}

	l := Layout{
		Name:      raw.Name,
		Boot:      raw.Boot.region(),
		Execution: raw.Execution.region(),
		Staging:   raw.Staging.region(),
		RAM:       raw.RAM.region(),
		MetaAddr:  uint32(raw.MetaAddr),
	}
	for _, s := range raw.Sectors {
		l.Sectors = append(l.Sectors, Sector{Base: uint32(s.Base), Size: uint32(s.Size)})
	}
	sort.Slice(l.Sectors, func(i, j int) bool { return l.Sectors[i].Base < l.Sectors[j].Base })

	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// DefaultLayout returns the embedded STM32F407 layout.
func DefaultLayout() Layout {
	l, err := ParseLayout(embedded.Layout())
	if err != nil {
		panic(fmt.Sprintf("embedded layout: %v", err))
	}
	return l
}

// Validate checks that the sectors are contiguous and that every region is
// sector-aligned, inside flash and disjoint from the others.
func (l Layout) Validate() error {
	if len(l.Sectors) == 0 {
		return errors.New("layout has no sectors")
	}
	for i, s := range l.Sectors {
		if s.Size == 0 || s.Size%WordSize != 0 {
			return errors.Errorf("sector %d: invalid size 0x%X", i, s.Size)
		}
		if i > 0 && l.Sectors[i-1].End() != s.Base {
			return errors.Errorf("sector %d at 0x%08X is not contiguous", i, s.Base)
		}
	}

	regions := []struct {
		name string
		r    Region
	}{
		{"boot", l.Boot},
		{"execution", l.Execution},
		{"staging", l.Staging},
	}
	for i, reg := range regions {
		if reg.r.Size == 0 {
			return errors.Errorf("%s region is empty", reg.name)
		}
		if _, err := l.SectorsFor(reg.r); err != nil {
			return errors.Wrapf(err, "%s region", reg.name)
		}
		for _, other := range regions[i+1:] {
			if reg.r.overlaps(other.r) {
				return errors.Errorf("%s region overlaps %s region", reg.name, other.name)
			}
		}
	}

	if l.MetaAddr%WordSize != 0 {
		return errors.Errorf("metadata address 0x%08X is not word-aligned", l.MetaAddr)
	}
	if !l.Boot.Contains(l.MetaAddr, MetaSize) {
		return errors.Errorf("metadata address 0x%08X is outside the boot region", l.MetaAddr)
	}
	idx, ok := l.SectorIndex(l.MetaAddr)
	if !ok || l.MetaAddr+MetaSize > l.Sectors[idx].End() {
		return errors.Errorf("metadata record at 0x%08X crosses a sector boundary", l.MetaAddr)
	}

	if l.RAM.Size == 0 {
		return errors.New("ram region is empty")
	}
	return nil
}

// FlashStart returns the lowest flash address.
func (l Layout) FlashStart() uint32 {
	return l.Sectors[0].Base
}

// FlashEnd returns the first address past the last sector.
func (l Layout) FlashEnd() uint32 {
	return l.Sectors[len(l.Sectors)-1].End()
}

// SectorIndex returns the index of the sector holding addr.
func (l Layout) SectorIndex(addr uint32) (int, bool) {
	i := sort.Search(len(l.Sectors), func(i int) bool { return l.Sectors[i].End() > addr })
	if i == len(l.Sectors) || addr < l.Sectors[i].Base {
		return 0, false
	}
	return i, true
}

// SectorsFor returns the indices of the sectors backing r. The region must
// start and end on sector boundaries.
func (l Layout) SectorsFor(r Region) ([]int, error) {
	first, ok := l.SectorIndex(r.Start)
	if !ok || l.Sectors[first].Base != r.Start {
		return nil, errors.Errorf("start 0x%08X is not a sector boundary", r.Start)
	}

	var idx []int
	for i := first; i < len(l.Sectors); i++ {
		s := l.Sectors[i]
		if s.Base >= r.End() {
			break
		}
		if s.End() > r.End() {
			return nil, errors.Errorf("end 0x%08X is not a sector boundary", r.End())
		}
		idx = append(idx, i)
	}
	if len(idx) == 0 || l.Sectors[idx[len(idx)-1]].End() != r.End() {
		return nil, errors.Errorf("end 0x%08X is past the last sector", r.End())
	}
	return idx, nil
}
