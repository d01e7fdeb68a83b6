// Package tickbitmap tracks which ticks are initialized, packed one bit per
// compressed tick into 256-bit words.
package tickbitmap

import (
	"errors"
	"fmt"

	"github.com/defistate/clboost/protocols/clboost/calculator/bitmath"
	"github.com/holiman/uint256"
)

var ErrTickMisaligned = errors.New("tick is not a multiple of the tick spacing")

// Bitmap maps a word position to a 256-bit word. Absent words are all zero.
type Bitmap struct {
	words map[int16]*uint256.Int
}

func New() *Bitmap {
	return &Bitmap{words: make(map[int16]*uint256.Int)}
}

// Position returns the word and bit index of a compressed tick.
// Both shifts floor toward negative infinity.
func Position(compressed int32) (wordPos int16, bitPos uint8) {
	return int16(compressed >> 8), uint8(compressed & 0xff)
}

// Compress divides tick by spacing, rounding toward negative infinity.
func Compress(tick, tickSpacing int32) int32 {
	compressed := tick / tickSpacing
	if tick < 0 && tick%tickSpacing != 0 {
		compressed--
	}
	return compressed
}

// FlipTick toggles the initialized bit of tick.
func (b *Bitmap) FlipTick(tick, tickSpacing int32) error {
	if tick%tickSpacing != 0 {
		return fmt.Errorf("%w: tick %d spacing %d", ErrTickMisaligned, tick, tickSpacing)
	}
	wordPos, bitPos := Position(tick / tickSpacing)
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitPos))

	word := b.word(wordPos)
	word.Xor(word, mask)
	if word.IsZero() {
		delete(b.words, wordPos)
		return nil
	}
	b.words[wordPos] = word
	return nil
}

// IsInitialized reports whether the bit for tick is set.
func (b *Bitmap) IsInitialized(tick, tickSpacing int32) bool {
	if tick%tickSpacing != 0 {
		return false
	}
	wordPos, bitPos := Position(tick / tickSpacing)
	w, ok := b.words[wordPos]
	if !ok {
		return false
	}
	return new(uint256.Int).Rsh(w, uint(bitPos)).Uint64()&1 == 1
}

// NextInitializedTickWithinOneWord returns the next initialized tick contained
// in the same word as tick: the nearest at or below it when lte is set,
// otherwise the nearest strictly above it. When the word holds no such tick it
// returns the word boundary in the search direction with initialized false,
// so callers can step at most 256 compressed ticks at a time.
func (b *Bitmap) NextInitializedTickWithinOneWord(tick, tickSpacing int32, lte bool) (next int32, initialized bool) {
	compressed := Compress(tick, tickSpacing)

	if lte {
		wordPos, bitPos := Position(compressed)
		// all bits at or to the right of bitPos
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitPos))
		mask.Add(mask, new(uint256.Int).SubUint64(mask, 1))
		masked := mask.And(mask, b.word(wordPos))

		if masked.IsZero() {
			return (compressed - int32(bitPos)) * tickSpacing, false
		}
		msb, _ := bitmath.MostSignificantBit(masked)
		return (compressed - int32(bitPos-msb)) * tickSpacing, true
	}

	// start from the word of the next tick
	wordPos, bitPos := Position(compressed + 1)
	// all bits at or to the left of bitPos
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitPos))
	mask.SubUint64(mask, 1)
	mask.Not(mask)
	masked := mask.And(mask, b.word(wordPos))

	if masked.IsZero() {
		return (compressed + 1 + int32(255-bitPos)) * tickSpacing, false
	}
	lsb, _ := bitmath.LeastSignificantBit(masked)
	return (compressed + 1 + int32(lsb-bitPos)) * tickSpacing, true
}

// Words returns a copy of the non-zero words.
func (b *Bitmap) Words() map[int16]*uint256.Int {
	out := make(map[int16]*uint256.Int, len(b.words))
	for pos, w := range b.words {
		out[pos] = w.Clone()
	}
	return out
}

// Load replaces the bitmap contents with words.
func (b *Bitmap) Load(words map[int16]*uint256.Int) {
	b.words = make(map[int16]*uint256.Int, len(words))
	for pos, w := range words {
		if w != nil && !w.IsZero() {
			b.words[pos] = w.Clone()
		}
	}
}

func (b *Bitmap) word(pos int16) *uint256.Int {
	if w, ok := b.words[pos]; ok {
		return w.Clone()
	}
	return new(uint256.Int)
}
