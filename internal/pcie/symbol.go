package pcie

import "fmt"

// Symbol is a decoded 8b/10b code group. Bit 8 marks a control (K) symbol,
// bits 0..7 carry the payload.
type Symbol uint16

const ctrlBit Symbol = 1 << 8

// K returns the control symbol Kx.y.
func K(x, y uint8) Symbol { return ctrlBit | Symbol(y&7)<<5 | Symbol(x&0x1F) }

// D returns the data symbol Dx.y.
func D(x, y uint8) Symbol { return Symbol(y&7)<<5 | Symbol(x&0x1F) }

// Data returns the data symbol carrying b.
func Data(b byte) Symbol { return Symbol(b) }

// Control symbols used by the link stack.
const (
	PAD   Symbol = ctrlBit | 7<<5 | 23 // K23.7
	STP   Symbol = ctrlBit | 7<<5 | 27 // K27.7
	SKP   Symbol = ctrlBit | 0<<5 | 28 // K28.0
	FTS   Symbol = ctrlBit | 1<<5 | 28 // K28.1
	SDP   Symbol = ctrlBit | 2<<5 | 28 // K28.2
	IDL   Symbol = ctrlBit | 3<<5 | 28 // K28.3
	COM   Symbol = ctrlBit | 5<<5 | 28 // K28.5
	EIE   Symbol = ctrlBit | 7<<5 | 28 // K28.7
	END   Symbol = ctrlBit | 7<<5 | 29 // K29.7
	EDB   Symbol = ctrlBit | 7<<5 | 30 // K30.7
	Error Symbol = ctrlBit | 7<<5 | 14 // K14.7, decoder marker for invalid code groups
)

// Training sequence identifier symbols. The inverted forms are what a
// receiver with swapped polarity decodes.
const (
	TS1ID    Symbol = 2<<5 | 10 // D10.2
	TS2ID    Symbol = 2<<5 | 5  // D5.2
	TS1IDInv Symbol = 5<<5 | 21 // D21.5
	TS2IDInv Symbol = 5<<5 | 26 // D26.5
)

// IsControl reports whether s is a K symbol.
func (s Symbol) IsControl() bool { return s&ctrlBit != 0 }

// Byte returns the 8-bit payload.
func (s Symbol) Byte() byte { return byte(s) }

// Invert returns the symbol a polarity-swapped receiver sees. Data bytes are
// complemented; control symbols decode to themselves.
func (s Symbol) Invert() Symbol {
	if s.IsControl() {
		return s
	}
	return Symbol(^byte(s))
}

var ctrlNames = map[Symbol]string{
	PAD: "PAD", STP: "STP", SKP: "SKP", FTS: "FTS", SDP: "SDP", IDL: "IDL",
	COM: "COM", EIE: "EIE", END: "END", EDB: "EDB", Error: "ERR",
}

func (s Symbol) String() string {
	if s.IsControl() {
		if n, ok := ctrlNames[s]; ok {
			return n
		}
		return fmt.Sprintf("K%d.%d", s&0x1F, (s>>5)&7)
	}
	return fmt.Sprintf("%02X", byte(s))
}
