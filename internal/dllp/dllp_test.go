package dllp

import (
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"pcielink/internal/pcie"
)

func TestDecodeInitFC1NP(t *testing.T) {
	wire := [6]byte{0x50, 0x08, 0x00, 0x20, 0x12, 0xD9}
	d, ok := Decode(wire)
	if !ok {
		t.Fatalf("Decode(% x) rejected a good CRC", wire)
	}
	want := DLLP{Type: InitFC1NP, Header: 0x20, Data: 0x020}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
	if got := d.Encode(); got != wire {
		t.Errorf("Encode() = % x, want % x", got, wire)
	}
	wantSyms := [SymbolLen]pcie.Symbol{
		pcie.SDP, pcie.Data(0x50), pcie.Data(0x08), pcie.Data(0x00),
		pcie.Data(0x20), pcie.Data(0x12), pcie.Data(0xD9), pcie.END,
	}
	if got := d.Symbols(); got != wantSyms {
		t.Errorf("Symbols() = %v, want %v", got, wantSyms)
	}
}

func TestDecodeBadCRC(t *testing.T) {
	wire := [6]byte{0x50, 0x08, 0x00, 0x20, 0x12, 0xD8}
	if _, ok := Decode(wire); ok {
		t.Errorf("Decode(% x) accepted a bad CRC", wire)
	}
}

func TestAckNak(t *testing.T) {
	tests := []struct {
		name string
		d    DLLP
		want [4]byte
	}{
		{"ack0", NewAck(0), [4]byte{0x00, 0x00, 0x00, 0x00}},
		{"ack5", NewAck(5), [4]byte{0x00, 0x00, 0x00, 0x05}},
		{"nak_fff", NewNak(0xFFF), [4]byte{0x10, 0x00, 0x0F, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Bytes(); got != tt.want {
				t.Errorf("Bytes() = % x, want % x", got, tt.want)
			}
			if got := Parse(tt.want).Seq(); got != tt.d.Seq() {
				t.Errorf("Parse().Seq() = %v, want %v", got, tt.d.Seq())
			}
		})
	}
}

func TestFCType(t *testing.T) {
	tests := []struct {
		phase FCPhase
		class FCClass
		want  Type
	}{
		{PhaseInit1, Posted, InitFC1P},
		{PhaseInit1, Completion, InitFC1Cpl},
		{PhaseInit2, NonPosted, InitFC2NP},
		{PhaseUpdate, Completion, UpdateFCCpl},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := FCType(tt.phase, tt.class); got != tt.want {
				t.Errorf("FCType() = %v, want %v", got, tt.want)
			}
			phase, class, ok := tt.want.IsFC()
			if !ok || phase != tt.phase || class != tt.class {
				t.Errorf("IsFC() = %v, %v, %v, want %v, %v, true", phase, class, ok, tt.phase, tt.class)
			}
		})
	}
	for _, typ := range []Type{Ack, Nak, PM, Vendor} {
		if _, _, ok := typ.IsFC(); ok {
			t.Errorf("%v.IsFC() = true, want false", typ)
		}
	}
}

func TestRoundTripQuick(t *testing.T) {
	f := func(typ, meta, hdr uint8, data uint16) bool {
		d := DLLP{Type: Type(typ & 0xF), Meta: meta & 0x7, Header: hdr, Data: data & 0xFFF}
		got, ok := Decode(d.Encode())
		return ok && got == d
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

type queueSource []DLLP

func (q *queueSource) NextDLLP() (DLLP, bool) {
	if len(*q) == 0 {
		return DLLP{}, false
	}
	d := (*q)[0]
	*q = (*q)[1:]
	return d, true
}

func TestFramerLoopback(t *testing.T) {
	sent := []DLLP{
		NewAck(7),
		NewFC(PhaseInit1, Posted, 32, 0xE0),
		NewNak(0x800),
	}
	q := queueSource(append([]DLLP(nil), sent...))
	tx := NewTransmitter(&q)
	rx := NewReceiver()

	var got []DLLP
	for i := 0; i < 10; i++ {
		w, ok := tx.NextWord()
		if !ok {
			w = pcie.IdleWord
		}
		got = append(got, rx.Process(w)...)
	}
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Errorf("received DLLPs mismatch (-want +got):\n%s", diff)
	}
	if tx.Sent() != 3 {
		t.Errorf("Sent() = %d, want 3", tx.Sent())
	}
	if s := rx.Stats(); s.Good != 3 || s.BadCRC != 0 || s.BadFraming != 0 {
		t.Errorf("Stats() = %+v, want 3 good", s)
	}
}

func TestReceiverDropsCorrupt(t *testing.T) {
	s := NewAck(3).Symbols()
	s[5] = pcie.Data(s[5].Byte() ^ 0x01)
	rx := NewReceiver()
	var got []DLLP
	got = append(got, rx.Process(pcie.NewWord(s[0:4]...))...)
	got = append(got, rx.Process(pcie.NewWord(s[4:8]...))...)
	if len(got) != 0 {
		t.Errorf("Process() returned %v for a corrupted DLLP", got)
	}
	if rx.Stats().BadCRC != 1 {
		t.Errorf("Stats().BadCRC = %d, want 1", rx.Stats().BadCRC)
	}
}

func TestReceiverResyncsOnFraming(t *testing.T) {
	good := NewAck(9).Symbols()
	rx := NewReceiver()
	// a truncated DLLP followed directly by a good one
	rx.Process(pcie.NewWord(pcie.SDP, pcie.Data(1), pcie.Data(2), pcie.Data(3)))
	var got []DLLP
	got = append(got, rx.Process(pcie.NewWord(good[0:4]...))...)
	got = append(got, rx.Process(pcie.NewWord(good[4:8]...))...)
	if diff := cmp.Diff([]DLLP{NewAck(9)}, got); diff != "" {
		t.Errorf("Process() mismatch (-want +got):\n%s", diff)
	}
	if rx.Stats().BadFraming != 1 {
		t.Errorf("Stats().BadFraming = %d, want 1", rx.Stats().BadFraming)
	}
}
