package rawblock

import "testing"

func TestVarIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, 1 << 40}
	for _, v := range cases {
		buf := make([]byte, 9)
		n := PutVarInt(buf, v)
		if n != VarIntSize(v) {
			t.Fatalf("PutVarInt(%d) wrote %d bytes, VarIntSize says %d", v, n, VarIntSize(v))
		}
		got, size := VarInt(buf)
		if got != v || size != n {
			t.Fatalf("VarInt round trip failed for %d: got (%d, %d)", v, got, size)
		}
	}
}

func TestVarIntTruncated(t *testing.T) {
	if _, n := VarInt([]byte{0xfd, 0x01}); n != 0 {
		t.Fatalf("expected truncated var_int to report size 0, got %d", n)
	}
	if _, n := VarInt(nil); n != 0 {
		t.Fatalf("expected empty buffer to report size 0, got %d", n)
	}
}
