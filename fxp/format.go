package fxp

import (
	"encoding/json"
	"fmt"
	"os"
)

// Format describes the fixed-point datapath geometry.
// The defaults model a 64-bit data path carrying four 16-bit elements.
type Format struct {
	// ElementWidth is the bit width of one fixed-point element.
	// Default: 16 bits.
	ElementWidth int `json:"element_width"`

	// DataWidth is the bit width of one block transfer.
	// Default: 64 bits.
	DataWidth int `json:"data_width"`

	// DecimalPointOffset is added to the per-request decimal point to form
	// the effective binary-point position. Default: 0.
	DecimalPointOffset int `json:"decimal_point_offset"`

	// SteepnessOffset is the bias of the offset-encoded steepness field:
	// a stored steepness equal to this value means unity scale.
	// Default: 4.
	SteepnessOffset int `json:"steepness_offset"`
}

// DefaultFormat returns the Format with default datapath geometry.
func DefaultFormat() *Format {
	return &Format{
		ElementWidth:       16,
		DataWidth:          64,
		DecimalPointOffset: 0,
		SteepnessOffset:    4,
	}
}

// ElementsPerBlock is the number of elements packed into one block.
func (f *Format) ElementsPerBlock() int {
	return f.DataWidth / f.ElementWidth
}

// Decimal returns the effective binary-point position for a request's
// decimal-point field.
func (f *Format) Decimal(decimalPoint int) int {
	return f.DecimalPointOffset + decimalPoint
}

// One returns the fixed-point representation of 1.0 at the given effective
// decimal position.
func (f *Format) One(decimal int) int64 {
	return int64(1) << uint(decimal)
}

// LoadFormat loads a Format from a JSON file, starting from defaults.
func LoadFormat(path string) (*Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read format file: %w", err)
	}

	format := DefaultFormat()
	if err := json.Unmarshal(data, format); err != nil {
		return nil, fmt.Errorf("failed to parse format: %w", err)
	}

	if err := format.Validate(); err != nil {
		return nil, err
	}

	return format, nil
}

// SaveFormat writes the Format to a JSON file.
func (f *Format) SaveFormat(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize format: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write format file: %w", err)
	}

	return nil
}

// Validate checks that the format describes a realizable datapath.
func (f *Format) Validate() error {
	if f.ElementWidth <= 1 || f.ElementWidth > 32 {
		return fmt.Errorf("element_width must be in (1, 32], got %d", f.ElementWidth)
	}
	if f.DataWidth%f.ElementWidth != 0 {
		return fmt.Errorf("data_width %d is not a multiple of element_width %d",
			f.DataWidth, f.ElementWidth)
	}
	if f.ElementsPerBlock() < 1 {
		return fmt.Errorf("data_width %d holds no elements of width %d",
			f.DataWidth, f.ElementWidth)
	}
	if f.SteepnessOffset < 0 {
		return fmt.Errorf("steepness_offset must be >= 0, got %d", f.SteepnessOffset)
	}
	return nil
}

// Clone returns a copy of the Format.
func (f *Format) Clone() *Format {
	c := *f
	return &c
}
