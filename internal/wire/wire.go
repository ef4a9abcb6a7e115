// Package wire implements OnWireMessage: the length-prefixed, versioned envelope every
// AS/DS/client exchange is framed in. The envelope itself is binary (a version byte, a
// kind tag, and a little-endian length prefix, per spec.md §6), grounded on
// gateway/frame.go's opcode-tagged-frame idiom; the per-variant payload inside stays
// JSON, the same way frame.go leaves Data as json.RawMessage rather than inventing a
// second binary schema for every event type.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Version is the current wire format version. A receiver that sees a different version
// byte rejects the frame rather than guessing at a layout it doesn't understand.
const Version byte = 1

// Kind tags which OnWireMessage variant a frame's payload holds.
type Kind uint16

const (
	KindUserRegister Kind = iota + 1
	KindUserCredentialLookup
	KindUserSyncCredentials
	KindUserKeyPackagesForDS
	KindDSKeyPackageResponse
	KindUserStandardSend
	KindUserReliableSend
	KindUserSync
	KindDSResult
	KindDSRelayedUserMsg
	KindWelcome
	KindError
	KindRetrieveKeyPackage
	KindUserInvite
)

func (k Kind) String() string {
	switch k {
	case KindUserRegister:
		return "user_register"
	case KindUserCredentialLookup:
		return "user_credential_lookup"
	case KindUserSyncCredentials:
		return "user_sync_credentials"
	case KindUserKeyPackagesForDS:
		return "user_key_packages_for_ds"
	case KindDSKeyPackageResponse:
		return "ds_key_package_response"
	case KindUserStandardSend:
		return "user_standard_send"
	case KindUserReliableSend:
		return "user_reliable_send"
	case KindUserSync:
		return "user_sync"
	case KindDSResult:
		return "ds_result"
	case KindDSRelayedUserMsg:
		return "ds_relayed_user_msg"
	case KindWelcome:
		return "welcome"
	case KindError:
		return "error"
	case KindRetrieveKeyPackage:
		return "retrieve_key_package"
	case KindUserInvite:
		return "user_invite"
	default:
		return "unknown"
	}
}

// Sentinel errors for the wire package.
var (
	ErrUnsupportedVersion = errors.New("unsupported wire format version")
	ErrTruncatedFrame     = errors.New("frame is truncated")
	ErrPayloadTooLarge    = errors.New("payload exceeds MaxPayloadSize")
)

// MaxPayloadSize bounds a single frame's payload, guarding the DS and clients against an
// unbounded length prefix driving an oversized allocation.
const MaxPayloadSize = 16 << 20 // 16 MiB

// headerSize is version(1) + kind(2) + length(4).
const headerSize = 1 + 2 + 4

// Encode serializes kind and a JSON-marshalable payload into a single length-prefixed
// frame: [version][kind uint16 LE][length uint32 LE][payload].
func Encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if len(body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, headerSize+len(body))
	buf[0] = Version
	binary.LittleEndian.PutUint16(buf[1:3], uint16(kind))
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

// Frame is a decoded envelope: a Kind tag and its raw JSON payload, not yet unmarshaled
// into a concrete Go type.
type Frame struct {
	Kind    Kind
	Payload json.RawMessage
}

// Decode parses a single frame from b, which must contain at least one full frame. It
// returns the frame and the number of bytes consumed, so callers reading from a
// streaming transport can slice off the remainder.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < headerSize {
		return Frame{}, 0, ErrTruncatedFrame
	}
	if b[0] != Version {
		return Frame{}, 0, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, b[0], Version)
	}

	kind := Kind(binary.LittleEndian.Uint16(b[1:3]))
	length := binary.LittleEndian.Uint32(b[3:7])
	if length > MaxPayloadSize {
		return Frame{}, 0, ErrPayloadTooLarge
	}

	total := headerSize + int(length)
	if len(b) < total {
		return Frame{}, 0, ErrTruncatedFrame
	}

	payload := make(json.RawMessage, length)
	copy(payload, b[headerSize:total])
	return Frame{Kind: kind, Payload: payload}, total, nil
}

// Unmarshal decodes f's payload into dst.
func (f Frame) Unmarshal(dst any) error {
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", f.Kind, err)
	}
	return nil
}

// WriteTo encodes kind/payload and writes the resulting frame to w, for transports that
// aren't already message-oriented (websocket connections instead write one frame per
// message without needing WriteTo).
func WriteTo(w io.Writer, kind Kind, payload any) error {
	b, err := Encode(kind, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
