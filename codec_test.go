package tempest

import "testing"

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(16)
	w.WriteBool(true)
	w.WriteI8(-12)
	w.WriteU8(200)
	w.WriteI16(-3000)
	w.WriteU32(0xDEADBEEF)
	w.WriteI64(-123456789)
	w.WriteF32(3.25)
	w.WriteF64(-1.5)
	w.WriteVarint(300)
	w.WriteBytes([]byte("payload"))
	w.WriteString("hello", UTF8)
	w.WriteString("hola", UTF32)

	r := NewReader(w.Bytes())

	if b, err := r.ReadBool(); err != nil || b != true {
		t.Fatalf("ReadBool: %v %v", b, err)
	}
	if v, err := r.ReadI8(); err != nil || v != -12 {
		t.Fatalf("ReadI8: %v %v", v, err)
	}
	if v, err := r.ReadU8(); err != nil || v != 200 {
		t.Fatalf("ReadU8: %v %v", v, err)
	}
	if v, err := r.ReadI16(); err != nil || v != -3000 {
		t.Fatalf("ReadI16: %v %v", v, err)
	}
	if v, err := r.ReadU32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("ReadU32: %v %v", v, err)
	}
	if v, err := r.ReadI64(); err != nil || v != -123456789 {
		t.Fatalf("ReadI64: %v %v", v, err)
	}
	if v, err := r.ReadF32(); err != nil || v != 3.25 {
		t.Fatalf("ReadF32: %v %v", v, err)
	}
	if v, err := r.ReadF64(); err != nil || v != -1.5 {
		t.Fatalf("ReadF64: %v %v", v, err)
	}
	if v, err := r.ReadVarint(); err != nil || v != 300 {
		t.Fatalf("ReadVarint: %v %v", v, err)
	}
	if b, err := r.ReadBytes(); err != nil || string(b) != "payload" {
		t.Fatalf("ReadBytes: %v %v", b, err)
	}
	if s, err := r.ReadString(UTF8); err != nil || s != "hello" {
		t.Fatalf("ReadString(UTF8): %v %v", s, err)
	}
	if s, err := r.ReadString(UTF32); err != nil || s != "hola" {
		t.Fatalf("ReadString(UTF32): %v %v", s, err)
	}
}

func TestReaderNullSentinels(t *testing.T) {
	w := NewWriter(8)
	w.WriteBytes(nil)
	w.WriteNullString()

	r := NewReader(w.Bytes())
	if _, err := r.ReadBytes(); err != ErrNegativeCount {
		t.Fatalf("expected ErrNegativeCount for null bytes, got %v", err)
	}
	if _, err := r.ReadString(UTF8); err != ErrNullString {
		t.Fatalf("expected ErrNullString, got %v", err)
	}
}

func TestReaderBufferTooSmall(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadU32(); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestWriteU32AtPatchesInPlace(t *testing.T) {
	w := NewWriter(8)
	offset := w.Len()
	w.WriteU32(0)
	w.WriteString("x", UTF8)
	w.WriteU32At(offset, 42)

	r := NewReader(w.Bytes())
	v, _ := r.ReadU32()
	if v != 42 {
		t.Fatalf("expected patched value 42, got %d", v)
	}
}
