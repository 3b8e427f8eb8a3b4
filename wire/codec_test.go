package wire

import (
	"bytes"
	"testing"
)

func TestRoundTripServerMessage(t *testing.T) {
	w := NewWriter()
	w.WriteUint32Code(ServerLogin)
	w.WriteString("someuser")
	w.WriteString("hunter2")
	w.WriteUint32(183)

	framed := w.Bytes()

	body, err := ReadFrame(bytes.NewReader(framed))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	r := NewReader(body)
	code, err := r.ReadUint32Code()
	if err != nil || code != ServerLogin {
		t.Fatalf("expected ServerLogin code, got %d err %v", code, err)
	}
	user, err := r.ReadString()
	if err != nil || user != "someuser" {
		t.Fatalf("unexpected username %q err %v", user, err)
	}
	pass, err := r.ReadString()
	if err != nil || pass != "hunter2" {
		t.Fatalf("unexpected password %q err %v", pass, err)
	}
	version, err := r.ReadUint32()
	if err != nil || version != 183 {
		t.Fatalf("unexpected version %d err %v", version, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("expected no remaining bytes, got %d", r.Remaining())
	}
}

func TestRoundTripDistributedByteCode(t *testing.T) {
	w := NewWriter()
	w.WriteByteCode(DistribBranchLevel)
	w.WriteInt32(4)
	framed := w.Bytes()

	body, err := ReadFrame(bytes.NewReader(framed))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	r := NewReader(body)
	code, _ := r.ReadByteCode()
	if code != DistribBranchLevel {
		t.Fatalf("expected DistribBranchLevel, got %d", code)
	}
	level, err := r.ReadInt32()
	if err != nil || level != 4 {
		t.Fatalf("unexpected level %d err %v", level, err)
	}
}

func TestTruncatedFrameIsError(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{5, 0, 0, 0, 1, 2}))
	if err == nil {
		t.Fatal("expected truncated error for short body")
	}
}

func TestOversizeFrameIsRejected(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[3] = 0xFF // absurdly large length, little-endian high byte
	_, err := ReadFrame(bytes.NewReader(lenBuf[:]))
	if err == nil {
		t.Fatal("expected oversize error")
	}
}

func TestISO8859_1Fallback(t *testing.T) {
	// 0xE9 is Latin-1 for 'é' but is not valid standalone UTF-8.
	raw := []byte{0xE9}
	w := NewWriter()
	w.WriteBytes(raw)
	body := w.Bytes()[4:] // strip outer frame length, this is just the payload

	r := NewReader(body)
	s, err := r.ReadString()
	if err != nil {
		t.Fatalf("expected fallback decode to succeed, got %v", err)
	}
	if s != "é" {
		t.Fatalf("expected fallback-decoded %q, got %q", "é", s)
	}
}

func TestCodeWidths(t *testing.T) {
	if CodeWidth(DomainServer) != 4 || CodeWidth(DomainPeer) != 4 {
		t.Error("server/peer codes must be 4 bytes")
	}
	if CodeWidth(DomainDistributed) != 1 || CodeWidth(DomainInitialization) != 1 {
		t.Error("distributed/initialization codes must be 1 byte")
	}
}
