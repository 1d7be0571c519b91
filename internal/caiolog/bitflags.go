package caiolog

import (
	"strconv"
	"strings"
)

// A Choice names the values of a multi-bit field inside a mask, for example
// an access mode stored in the low bits.
type Choice struct {
	Mask   uint32
	Values map[uint32]string
}

// A Flag names a single bit (or a fixed group of bits) of a mask.
type Flag struct {
	Value uint32
	Name  string
}

// A Formatter renders masks like "RUNNING|WAITING". Bits that no choice or
// flag accounts for are printed as a number so nothing is silently dropped.
type Formatter struct {
	Choices []Choice
	Flags   []Flag
	// Zero is printed for a zero mask with no matching choice.
	Zero string
}

func (f *Formatter) Format(value uint32) string {
	var parts []string

	for _, choice := range f.Choices {
		masked := value & choice.Mask
		value &^= masked
		if name, ok := choice.Values[masked]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, strconv.FormatUint(uint64(masked), 10))
		}
	}

	for _, flag := range f.Flags {
		if flag.Value != 0 && value&flag.Value == flag.Value {
			value &^= flag.Value
			parts = append(parts, flag.Name)
		}
	}

	if value != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(value), 16))
	}

	if len(parts) == 0 {
		return f.Zero
	}
	return strings.Join(parts, "|")
}
