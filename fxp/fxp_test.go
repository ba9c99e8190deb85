package fxp

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		v     int64
		width int
		want  int64
	}{
		{"zero", 0, 16, 0},
		{"small positive", 42, 16, 42},
		{"small negative", -42, 16, -42},
		{"max positive", 0x7FFF, 16, 0x7FFF},
		{"wraps to negative", 0x8000, 16, -0x8000},
		{"wraps to zero", 0x10000, 16, 0},
		{"keeps low bits", 0x12345, 16, 0x2345},
		{"negative wide", -0x18000, 16, -0x8000},
		{"eight bit", 0x1FF, 8, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.v, tt.width))
		})
	}
}

func TestMulShift(t *testing.T) {
	tests := []struct {
		name    string
		a, b    int64
		decimal int
		want    int64
	}{
		{"identity at one", 1 << 8, 1 << 8, 8, 1 << 8},
		{"half times half", 1 << 7, 1 << 7, 8, 1 << 6},
		{"truncates product", 2, 1, 4, 0},
		{"negative rounds down", -1, 1, 4, -1},
		{"zero decimal", 3, 5, 0, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MulShift(tt.a, tt.b, tt.decimal))
		})
	}
}

func TestAccumulateTruncatesEveryStep(t *testing.T) {
	// Four products of 2*1 at decimal 4 each truncate to zero, so the sum
	// is zero, not (4*2)>>4.
	acc := int64(0)
	for i := 0; i < 4; i++ {
		acc = Accumulate(acc, 2, 1, 4, 16)
	}
	assert.Equal(t, int64(0), acc)

	// Larger products survive the shift.
	acc = 0
	for i := 0; i < 4; i++ {
		acc = Accumulate(acc, 1<<4, 1<<4, 4, 16)
	}
	assert.Equal(t, int64(4<<4), acc)
}

func TestApplySteepness(t *testing.T) {
	const offset = 4
	tests := []struct {
		name      string
		v         int64
		steepness int
		want      int64
	}{
		{"unity at offset", 128, offset, 128},
		{"shift right below offset", 128, offset - 1, 64},
		{"shift right two", 128, offset - 2, 32},
		{"shift left above offset", 128, offset + 1, 256},
		{"negative arithmetic shift", -5, offset - 1, -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplySteepness(tt.v, tt.steepness, offset))
		})
	}
}

func TestBlock(t *testing.T) {
	b := NewBlock(4)
	assert.Len(t, b, 4)

	b[0] = 7
	c := b.Clone()
	c[0] = 9
	assert.Equal(t, int64(7), b[0])

	b.Clear()
	assert.Equal(t, int64(0), b[0])
}

func TestFormatDefaults(t *testing.T) {
	f := DefaultFormat()
	require.NoError(t, f.Validate())
	assert.Equal(t, 16, f.ElementWidth)
	assert.Equal(t, 4, f.ElementsPerBlock())
	assert.Equal(t, 4, f.Decimal(4))
	assert.Equal(t, int64(16), f.One(4))
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Format)
	}{
		{"element width too small", func(f *Format) { f.ElementWidth = 1 }},
		{"element width too large", func(f *Format) { f.ElementWidth = 48 }},
		{"data width not multiple", func(f *Format) { f.DataWidth = 60 }},
		{"negative steepness offset", func(f *Format) { f.SteepnessOffset = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DefaultFormat()
			tt.mutate(f)
			assert.Error(t, f.Validate())
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "format.json")

	f := DefaultFormat()
	f.ElementWidth = 8
	f.DataWidth = 32
	require.NoError(t, f.SaveFormat(path))

	loaded, err := LoadFormat(path)
	require.NoError(t, err)
	assert.Equal(t, f, loaded)
}

func TestLoadFormatMissingFile(t *testing.T) {
	_, err := LoadFormat(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
