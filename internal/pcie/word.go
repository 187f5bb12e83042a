package pcie

import "strings"

// WordSize is the number of symbols moved per tick.
const WordSize = 4

// Word is the unit exchanged between pipeline stages on every tick.
type Word struct {
	Symbols [WordSize]Symbol
	Valid   [WordSize]bool
}

// NewWord builds a word from up to WordSize symbols, all marked valid.
// Missing trailing slots are left invalid.
func NewWord(syms ...Symbol) Word {
	var w Word
	for i := 0; i < WordSize && i < len(syms); i++ {
		w.Symbols[i] = syms[i]
		w.Valid[i] = true
	}
	return w
}

// DataWord builds a word of four data symbols.
func DataWord(b [WordSize]byte) Word {
	return NewWord(Data(b[0]), Data(b[1]), Data(b[2]), Data(b[3]))
}

// IdleWord is four logical idle (D0.0) symbols.
var IdleWord = NewWord(0, 0, 0, 0)

// AllValid reports whether every slot holds a symbol.
func (w Word) AllValid() bool {
	for _, v := range w.Valid {
		if !v {
			return false
		}
	}
	return true
}

// AnyValid reports whether at least one slot holds a symbol.
func (w Word) AnyValid() bool {
	for _, v := range w.Valid {
		if v {
			return true
		}
	}
	return false
}

// Index returns the first valid slot holding s, or -1.
func (w Word) Index(s Symbol) int {
	for i := range w.Symbols {
		if w.Valid[i] && w.Symbols[i] == s {
			return i
		}
	}
	return -1
}

// Contains reports whether any valid slot holds s.
func (w Word) Contains(s Symbol) bool { return w.Index(s) >= 0 }

// IsLogicalIdle reports whether all four slots carry D0.0.
func (w Word) IsLogicalIdle() bool { return w == IdleWord }

// IsSKPSet reports whether the word is a complete SKP ordered set.
func (w Word) IsSKPSet() bool {
	return w == NewWord(COM, SKP, SKP, SKP)
}

// Bytes returns the payload bytes of all slots.
func (w Word) Bytes() [WordSize]byte {
	var b [WordSize]byte
	for i, s := range w.Symbols {
		b[i] = s.Byte()
	}
	return b
}

func (w Word) String() string {
	parts := make([]string, WordSize)
	for i, s := range w.Symbols {
		if !w.Valid[i] {
			parts[i] = "--"
			continue
		}
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}
