package pngchunk

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := []byte("hello chunk")
	buf := Encode(nil, TypeIHDR, data)

	if got := EncodedLen(len(data)); got != len(buf) {
		t.Fatalf("EncodedLen = %d, want %d", got, len(buf))
	}

	c, n, err := Decode(buf, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if c.Type != TypeIHDR {
		t.Fatalf("Type = %v, want IHDR", c.Type)
	}
	if string(c.Data) != string(data) {
		t.Fatalf("Data = %q, want %q", c.Data, data)
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	buf := Encode(nil, TypeIDAT, []byte("payload"))
	buf[len(buf)-1] ^= 0xff // corrupt CRC

	if _, _, err := Decode(buf, false); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
	if _, _, err := Decode(buf, true); err != nil {
		t.Fatalf("skipCRC should ignore corruption, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := Encode(nil, TypeIEND, nil)
	if _, _, err := Decode(buf[:len(buf)-2], false); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestIHDRRoundTrip(t *testing.T) {
	h := IHDR{Width: 10, Height: 20, BitDepth: 8, ColorType: ColorTruecolorAlpha}
	got, err := DecodeIHDR(h.Encode())
	if err != nil {
		t.Fatalf("DecodeIHDR: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestFCTLDelaySeconds(t *testing.T) {
	cases := []struct {
		num, den uint16
		want     float64
	}{
		{1, 100, 0.01},
		{1, 0, 0.01}, // zero denominator means 1/100s
		{50, 1000, 0.05},
	}
	for _, c := range cases {
		f := FCTL{DelayNum: c.num, DelayDen: c.den}
		if got := f.DelaySeconds(); got != c.want {
			t.Errorf("DelaySeconds(%d/%d) = %v, want %v", c.num, c.den, got, c.want)
		}
	}
}

func TestTypeCritical(t *testing.T) {
	if !TypeIHDR.Critical() {
		t.Error("IHDR should be critical")
	}
	if TypeFCTL.Critical() {
		t.Error("fcTL should be ancillary")
	}
}
