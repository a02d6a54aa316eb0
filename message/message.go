// Package message defines the envelopes exchanged between the client and the
// block cache service, and the error every failed call reports.
//
// A Request is built by the client, passes through the middleware chain and is
// framed by the transport. A Response carries the raw action code and payload
// of the answer; interpreting the payload is left to the client, which knows
// which operation it asked for.
package message

import (
	"time"

	"dvbcache/protocol"
)

// Status codes. 0 is success; negative values are failures. StatusFailed is
// what the client reports for transport and protocol failures; any other
// negative value comes from the server and is passed through untouched.
const (
	StatusSuccess int32 = 0
	StatusFailed  int32 = -1000
)

// Fixed messages for failures synthesized on the client side.
const (
	FailedInvalidResponse   = "Invalid response"
	FailedInvalidStructure  = "Invalid data structure"
	FailedConnectionTimeout = "Connection timeout"
	FailedConnectionFailed  = "Connection failed"
	FailedReadOnly          = "ReadOnly"
)

// Request carries one operation towards the server.
//
//   - Op/Path are for logging and metrics only; Path is also encoded in Payload.
//   - Addr is the cache node the request is sent to.
//   - Payload holds every field after the action byte.
type Request struct {
	Op      string
	Path    string
	Addr    string
	Action  protocol.Action
	Payload []byte
}

// Response is the undecoded answer to a Request.
type Response struct {
	Action  protocol.Action
	Payload []byte
}

// FileStat is the attribute record returned by GetAttr.
type FileStat struct {
	ModTime uint64 // seconds since the Unix epoch
	Size    uint64
}

// Time returns the modification time as a time.Time.
func (s FileStat) Time() time.Time {
	return time.Unix(int64(s.ModTime), 0)
}
