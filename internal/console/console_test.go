package console

import "testing"

func TestBuffered_ReadByteReplaysQueuedInput(tt *testing.T) {
	b := NewBuffered([]byte("hi"))

	c, err := b.ReadByte()
	if err != nil || c != 'h' {
		tt.Fatalf("ReadByte = %q, %v, want 'h', nil", c, err)
	}

	c, err = b.ReadByte()
	if err != nil || c != 'i' {
		tt.Fatalf("ReadByte = %q, %v, want 'i', nil", c, err)
	}

	if _, err := b.ReadByte(); err == nil {
		tt.Fatal("ReadByte past end of input succeeded, want an error")
	}
}

func TestBuffered_WriteByteAccumulates(tt *testing.T) {
	b := NewBuffered(nil)

	for _, c := range []byte("ok") {
		if err := b.WriteByte(c); err != nil {
			tt.Fatalf("WriteByte: %v", err)
		}
	}

	if got := string(b.Written()); got != "ok" {
		tt.Fatalf("Written() = %q, want %q", got, "ok")
	}
}
