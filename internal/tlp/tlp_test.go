package tlp

import (
	"errors"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"pcielink/internal/pcie"
)

func TestEncodeLCRC(t *testing.T) {
	words, err := Encode(0x123, []byte{0x20, 0x00, 0x08, 0x50}, false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []pcie.Word{
		pcie.NewWord(pcie.STP, pcie.Data(0x01), pcie.Data(0x23), pcie.Data(0x20)),
		pcie.NewWord(pcie.Data(0x00), pcie.Data(0x08), pcie.Data(0x50), pcie.Data(0xFF)),
		pcie.NewWord(pcie.Data(0x7F), pcie.Data(0x53), pcie.Data(0x10), pcie.END),
	}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
	}

	rx := NewReceiver()
	var got []Frame
	for _, w := range words {
		got = append(got, rx.Process(w)...)
	}
	wantFrames := []Frame{{Seq: 0x123, Body: []byte{0x20, 0x00, 0x08, 0x50}, Status: OK}}
	if diff := cmp.Diff(wantFrames, got); diff != "" {
		t.Errorf("Process() mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeRejects(t *testing.T) {
	for _, n := range []int{0, 3, 5, MaxBodyLen + 4} {
		if _, err := Encode(0, make([]byte, n), false); !errors.Is(err, ErrBadLength) {
			t.Errorf("Encode(len %d) error = %v, want ErrBadLength", n, err)
		}
	}
}

func deframe(t *testing.T, words []pcie.Word) []Frame {
	t.Helper()
	rx := NewReceiver()
	var got []Frame
	for _, w := range words {
		got = append(got, rx.Process(w)...)
	}
	return got
}

func TestReceiverStatus(t *testing.T) {
	body := []byte{0x04, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x0F, 0x01, 0x00, 0x00, 0x00}
	good, _ := Encode(7, body, false)
	null, _ := Encode(7, body, true)

	corrupt := append([]pcie.Word(nil), good...)
	corrupt[1].Symbols[2] ^= 0x40

	badNull := append([]pcie.Word(nil), null...)
	badNull[1].Symbols[1] ^= 0x01

	short := []pcie.Word{
		pcie.NewWord(pcie.STP, pcie.Data(0), pcie.Data(1), pcie.Data(2)),
		pcie.NewWord(pcie.Data(3), pcie.Data(4), pcie.Data(5), pcie.END),
	}
	cut := []pcie.Word{
		good[0],
		pcie.NewWord(pcie.COM, pcie.SKP, pcie.SKP, pcie.SKP),
	}

	tests := []struct {
		name  string
		words []pcie.Word
		want  Status
	}{
		{"good", good, OK},
		{"corrupt", corrupt, BadLCRC},
		{"nullified", null, Nullified},
		{"bad_nullified", badNull, BadLCRC},
		{"short", short, Malformed},
		{"cut", cut, Malformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deframe(t, tt.words)
			if len(got) != 1 {
				t.Fatalf("Process() returned %d frames, want 1", len(got))
			}
			if got[0].Status != tt.want {
				t.Errorf("Status = %v, want %v", got[0].Status, tt.want)
			}
			if tt.want != OK && got[0].Body != nil {
				t.Errorf("Body = % x, want nil for a dropped TLP", got[0].Body)
			}
		})
	}
}

func TestFrameRoundTripQuick(t *testing.T) {
	f := func(seq uint16, dws []uint32) bool {
		if len(dws) == 0 {
			dws = []uint32{0}
		}
		if len(dws) > 64 {
			dws = dws[:64]
		}
		body := make([]byte, 0, 4*len(dws))
		for _, d := range dws {
			body = be.AppendUint32(body, d)
		}
		s := pcie.Seq(seq & 0xFFF)
		words, err := Encode(s, body, false)
		if err != nil || len(words) != WordLen(len(body)) {
			return false
		}
		rx := NewReceiver()
		var got []Frame
		for _, w := range words {
			got = append(got, rx.Process(w)...)
		}
		return len(got) == 1 && got[0].Status == OK && got[0].Seq == s && cmp.Equal(got[0].Body, body)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

type fakeBuffer struct {
	stored map[pcie.Seq][]pcie.Word
	cur    []pcie.Word
}

func (b *fakeBuffer) Send(seq pcie.Seq) bool {
	w, ok := b.stored[seq]
	b.cur = w
	return ok
}

func (b *fakeBuffer) Next() (pcie.Word, bool) {
	if len(b.cur) == 0 {
		return pcie.Word{}, false
	}
	w := b.cur[0]
	b.cur = b.cur[1:]
	return w, true
}

func TestTransmitter(t *testing.T) {
	words, _ := Encode(3, make([]byte, 16), false)
	buf := &fakeBuffer{stored: map[pcie.Seq][]pcie.Word{3: words}}
	tx := NewTransmitter(buf)

	if tx.Start(4) {
		t.Errorf("Start(4) = true for an absent seq")
	}
	if !tx.Start(3) {
		t.Fatalf("Start(3) = false")
	}
	var got []pcie.Word
	for tx.Busy() {
		w, ok := tx.NextWord()
		if !ok {
			break
		}
		got = append(got, w)
	}
	if diff := cmp.Diff(words, got); diff != "" {
		t.Errorf("streamed words mismatch (-want +got):\n%s", diff)
	}
	if _, ok := tx.NextWord(); ok {
		t.Errorf("NextWord() after END returned a word")
	}
}

func TestCfgRequestRoundTrip(t *testing.T) {
	req := NewDeviceID(0x0000)
	target := DeviceID{Bus: 1, Device: 0, Function: 0}
	tests := []struct {
		name string
		r    CfgRequest
		want []byte
	}{
		{
			"rd0_reg0",
			NewCfgRd0(req, 5, target, 0),
			[]byte{0x04, 0x00, 0x00, 0x01, 0x00, 0x00, 0x05, 0x0F, 0x01, 0x00, 0x00, 0x00},
		},
		{
			"wr0_reg_0x41",
			NewCfgWr0(req, 6, target, 0x41, 0x3, [4]byte{1, 2, 3, 4}),
			[]byte{0x44, 0x00, 0x00, 0x01, 0x00, 0x00, 0x06, 0x03, 0x01, 0x00, 0x01, 0x04, 1, 2, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.r.Bytes()
			if diff := cmp.Diff(tt.want, b); diff != "" {
				t.Errorf("Bytes() mismatch (-want +got):\n%s", diff)
			}
			got, err := ParseCfgRequest(b)
			if err != nil {
				t.Fatalf("ParseCfgRequest() error = %v", err)
			}
			if diff := cmp.Diff(tt.r, got); diff != "" {
				t.Errorf("ParseCfgRequest() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCfgRequestErrors(t *testing.T) {
	rd := NewCfgRd0(DeviceID{}, 0, DeviceID{}, 0).Bytes()
	wr := NewCfgWr0(DeviceID{}, 0, DeviceID{}, 0, 0xF, [4]byte{}).Bytes()
	long := append([]byte(nil), rd...)
	long[3] = 2
	mrd := append([]byte(nil), rd...)
	mrd[0] = byte(MRd32)

	tests := []struct {
		name string
		b    []byte
		want error
	}{
		{"empty", nil, ErrTooShort},
		{"truncated_write", wr[:12], ErrTooShort},
		{"length", long, ErrBadLength},
		{"memory_read", mrd, ErrBadType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCfgRequest(tt.b); !errors.Is(err, tt.want) {
				t.Errorf("ParseCfgRequest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompletionRoundTrip(t *testing.T) {
	c := CompletionTLP{
		CompleterID: DeviceID{Bus: 1},
		Status:      SuccessfulCompletion,
		ByteCount:   4,
		RequesterID: DeviceID{},
		Tag:         9,
		Data:        []byte{0x34, 0x12, 0x78, 0x56},
	}
	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	want := []byte{0x4A, 0x00, 0x00, 0x01, 0x01, 0x00, 0x00, 0x04, 0x00, 0x00, 0x09, 0x00, 0x34, 0x12, 0x78, 0x56}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("Bytes() mismatch (-want +got):\n%s", diff)
	}
	got, err := ParseCompletion(b)
	if err != nil {
		t.Fatalf("ParseCompletion() error = %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("ParseCompletion() mismatch (-want +got):\n%s", diff)
	}

	ur := CompletionTLP{CompleterID: DeviceID{Bus: 1}, Status: UnsupportedRequest, Tag: 2}
	b, _ = ur.Bytes()
	if got := Type(b[0]); got != Cpl {
		t.Errorf("type = %v, want Cpl", got)
	}
	if got, _ := ParseCompletion(b); got.Status != UnsupportedRequest || got.Data != nil {
		t.Errorf("ParseCompletion() = %v, want UR without data", got)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		typ  Type
		want Kind
	}{
		{MWr32, Posted},
		{MWr64, Posted},
		{Msg | 0b100, Posted},
		{MRd32, NonPosted},
		{CfgRd0, NonPosted},
		{CfgWr0, NonPosted},
		{IOWr, NonPosted},
		{Cpl, Completion},
		{CplD, Completion},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := tt.typ.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDataCredits(t *testing.T) {
	tests := []struct {
		h    Header
		want int
	}{
		{Header{Type: CfgRd0, Length: 1}, 0},
		{Header{Type: CfgWr0, Length: 1}, 1},
		{Header{Type: MWr32, Length: 4}, 1},
		{Header{Type: MWr32, Length: 5}, 2},
		{Header{Type: MWr32, Length: 0}, 256},
	}
	for _, tt := range tests {
		if got := tt.h.DataCredits(); got != tt.want {
			t.Errorf("%v len %d DataCredits() = %d, want %d", tt.h.Type, tt.h.Length, got, tt.want)
		}
	}
}
