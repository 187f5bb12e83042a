package pcie

// Seq is a 12-bit TLP sequence number.
type Seq uint16

const (
	SeqMod  = 1 << 12
	seqMask = SeqMod - 1
)

// Next returns s+1 modulo 4096.
func (s Seq) Next() Seq { return (s + 1) & seqMask }

// Prev returns s-1 modulo 4096.
func (s Seq) Prev() Seq { return (s - 1) & seqMask }

// Add returns s+n modulo 4096.
func (s Seq) Add(n int) Seq { return Seq((int(s) + n) & seqMask) }

// Diff returns (a - b) modulo 4096.
func Diff(a, b Seq) int { return (int(a) - int(b)) & seqMask }

// AtOrBefore reports whether a <= b in modular order, that is a lies within
// the half window that ends at b.
func AtOrBefore(a, b Seq) bool { return Diff(b, a) < SeqMod/2 }

// Before reports whether a < b in modular order.
func Before(a, b Seq) bool { return a != b && AtOrBefore(a, b) }

// Speed selects the lane rate.
type Speed uint8

const (
	Gen1 Speed = iota // 2.5 GT/s
	Gen2              // 5.0 GT/s
)

func (s Speed) String() string {
	switch s {
	case Gen1:
		return "2.5GT/s"
	case Gen2:
		return "5.0GT/s"
	}
	return "unknown"
}
