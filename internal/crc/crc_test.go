package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCrc8Zero(t *testing.T) {
	assert.EqualValues(t, 0, Crc8(nil))
	assert.EqualValues(t, 0, Crc8([]byte{}))
}

func TestCrc8SingleByte(t *testing.T) {
	// table[1] equals the polynomial itself, per the reference precomputed table.
	assert.EqualValues(t, 0x2F, Crc8([]byte{0x01}))
}

func TestCrc16NormalSingleByte(t *testing.T) {
	assert.EqualValues(t, 0x755B, Crc16Normal([]byte{0x01}))
}

func TestCrc16SlimDiffersFromNormal(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}
	assert.NotEqual(t, Crc16Normal(data), Crc16Slim(data))
}

// P2: CRC polynomial property — a single bit flip anywhere in the input
// must change the checksum (no collision across the minimal edit).
func TestCrc16NormalDetectsSingleBitFlip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "data")
		flipIdx := rapid.IntRange(0, len(data)-1).Draw(rt, "flipIdx")
		flipBit := rapid.IntRange(0, 7).Draw(rt, "flipBit")

		original := Crc16Normal(data)
		flipped := make([]byte, len(data))
		copy(flipped, data)
		flipped[flipIdx] ^= 1 << uint(flipBit)

		assert.NotEqual(rt, original, Crc16Normal(flipped))
	})
}

func TestCrc8DetectsSingleBitFlip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(rt, "data")
		flipIdx := rapid.IntRange(0, len(data)-1).Draw(rt, "flipIdx")
		flipBit := rapid.IntRange(0, 7).Draw(rt, "flipBit")

		original := Crc8(data)
		flipped := make([]byte, len(data))
		copy(flipped, data)
		flipped[flipIdx] ^= 1 << uint(flipBit)

		assert.NotEqual(rt, original, Crc8(flipped))
	})
}
