package dsgateway

import "errors"

// Custom WebSocket close codes used by the DS's gateway endpoint. Standard codes (1000,
// 1001) are defined by RFC 6455; the 4000 range is reserved for application use, mirrored
// directly from uncord's gateway close-code table.
const (
	CloseUnknownError      = 4000
	CloseUnknownKind       = 4001
	CloseDecodeError       = 4002
	CloseNotIdentified     = 4003
	CloseAlreadyIdentified = 4004
	CloseRateLimited       = 4008
	CloseMaxConnections    = 4009
)

// Sentinel errors for dsgateway failure modes. Each maps to a close code above.
var (
	ErrNotIdentified     = errors.New("connection has not sent a UserSync frame yet")
	ErrAlreadyIdentified = errors.New("connection already identified")
	ErrUnknownKind       = errors.New("unrecognized wire.Kind for the DS's gateway endpoint")
	ErrMaxConnections    = errors.New("maximum connections reached")
)
