package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	send := UserReliableSend{
		GroupID:    "11111111-1111-1111-1111-111111111111",
		Sender:     "alice",
		Recipients: []string{"bob", "carol"},
		Ciphertext: []byte{0x01, 0x02, 0x03},
	}

	b, err := Encode(KindUserReliableSend, send)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	frame, n, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(b) {
		t.Errorf("Decode() consumed = %d, want %d", n, len(b))
	}
	if frame.Kind != KindUserReliableSend {
		t.Errorf("Kind = %v, want %v", frame.Kind, KindUserReliableSend)
	}

	var got UserReliableSend
	if err := frame.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.GroupID != send.GroupID || got.Sender != send.Sender {
		t.Errorf("Unmarshal() = %+v, want %+v", got, send)
	}
	if !bytes.Equal(got.Ciphertext, send.Ciphertext) {
		t.Errorf("Ciphertext = %v, want %v", got.Ciphertext, send.Ciphertext)
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	t.Parallel()

	_, _, err := Decode([]byte{Version, 0x01})
	if err != ErrTruncatedFrame {
		t.Fatalf("Decode() error = %v, want ErrTruncatedFrame", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	t.Parallel()

	b, err := Encode(KindUserSync, UserSync{UserID: "alice"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, _, err = Decode(b[:len(b)-1])
	if err != ErrTruncatedFrame {
		t.Fatalf("Decode() error = %v, want ErrTruncatedFrame", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	b, err := Encode(KindUserSync, UserSync{UserID: "alice"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	b[0] = Version + 1

	_, _, err = Decode(b)
	if err == nil {
		t.Fatal("expected ErrUnsupportedVersion")
	}
}

func TestDecodeRejectsOversizedLengthPrefix(t *testing.T) {
	t.Parallel()

	header := []byte{Version, byte(KindUserSync), 0, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := Decode(header)
	if err != ErrPayloadTooLarge {
		t.Fatalf("Decode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeHandlesBackToBackFrames(t *testing.T) {
	t.Parallel()

	first, err := Encode(KindUserSync, UserSync{UserID: "alice"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	second, err := Encode(KindUserSync, UserSync{UserID: "bob"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	buf := append(append([]byte{}, first...), second...)

	frame1, n1, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() first frame error = %v", err)
	}
	frame2, n2, err := Decode(buf[n1:])
	if err != nil {
		t.Fatalf("Decode() second frame error = %v", err)
	}
	if n1+n2 != len(buf) {
		t.Errorf("consumed %d+%d, want %d", n1, n2, len(buf))
	}

	var got1, got2 UserSync
	_ = frame1.Unmarshal(&got1)
	_ = frame2.Unmarshal(&got2)
	if got1.UserID != "alice" || got2.UserID != "bob" {
		t.Errorf("got %q, %q, want alice, bob", got1.UserID, got2.UserID)
	}
}

func TestWriteTo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteTo(&buf, KindError, ErrorMessage{Code: "internal_error", Message: "boom"}); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	frame, n, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != buf.Len() {
		t.Errorf("consumed %d, want %d", n, buf.Len())
	}
	var got ErrorMessage
	if err := frame.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Code != "internal_error" || got.Message != "boom" {
		t.Errorf("got %+v", got)
	}
}

func TestKindStringCoversAllVariants(t *testing.T) {
	t.Parallel()

	kinds := []Kind{
		KindUserRegister, KindUserCredentialLookup, KindUserSyncCredentials,
		KindUserKeyPackagesForDS, KindDSKeyPackageResponse, KindUserStandardSend,
		KindUserReliableSend, KindUserSync, KindDSResult, KindDSRelayedUserMsg,
		KindWelcome, KindError, KindRetrieveKeyPackage, KindUserInvite,
	}
	for _, k := range kinds {
		if k.String() == "unknown" {
			t.Errorf("Kind(%d).String() = unknown", k)
		}
	}
	if Kind(0).String() != "unknown" {
		t.Error("Kind(0).String() should be unknown")
	}
}
