// Package command defines the messages exchanged between clients and the
// allocation authority and their binary encoding. Frames are little-endian
// and self-describing so they can be carried by any byte transport; the
// in-process Channel in this package is one such transport.
package command

import (
	"encoding/binary"
	"fmt"

	cerrors "github.com/23skdu/shmcounters/internal/errors"
)

// HeartbeatTypeID marks the counter a client keeps alive with its epoch-ms
// time. Its registration id and owner id are the client id.
const HeartbeatTypeID int32 = 11

// Type identifies a frame.
type Type int32

const (
	TypeAddCounter       Type = 0x01
	TypeAddStaticCounter Type = 0x02
	TypeRemoveCounter    Type = 0x03
	TypeClientClose      Type = 0x04
	TypeClientKeepalive  Type = 0x05

	TypeOnCounterReady       Type = 0x0F01
	TypeOnStaticCounter      Type = 0x0F02
	TypeOnOperationSucceeded Type = 0x0F03
	TypeOnError              Type = 0x0F04
	TypeOnClientTimeout      Type = 0x0F05
)

func (t Type) String() string {
	switch t {
	case TypeAddCounter:
		return "add_counter"
	case TypeAddStaticCounter:
		return "add_static_counter"
	case TypeRemoveCounter:
		return "remove_counter"
	case TypeClientClose:
		return "client_close"
	case TypeClientKeepalive:
		return "client_keepalive"
	case TypeOnCounterReady:
		return "on_counter_ready"
	case TypeOnStaticCounter:
		return "on_static_counter"
	case TypeOnOperationSucceeded:
		return "on_operation_succeeded"
	case TypeOnError:
		return "on_error"
	case TypeOnClientTimeout:
		return "on_client_timeout"
	default:
		return fmt.Sprintf("type(%#x)", int32(t))
	}
}

// Command is a request from a client to the allocation authority.
//
// For TypeAddStaticCounter RegistrationID is the caller-supplied identity; for
// TypeRemoveCounter it names the counter to remove. TypeAddCounter uses the
// CorrelationID as the registration id of the new counter.
type Command struct {
	Type           Type
	ClientID       int64
	CorrelationID  int64
	RegistrationID int64
	TypeID         int32
	Key            []byte
	Label          string
}

// Response is a reply from the allocation authority, correlated by
// CorrelationID.
type Response struct {
	Type           Type
	CorrelationID  int64
	RegistrationID int64
	CounterID      int32
	Code           cerrors.Code
	Message        string
}

// Err rebuilds the typed error carried by a TypeOnError response.
func (r Response) Err() error {
	if r.Type != TypeOnError {
		return nil
	}
	return cerrors.New(r.Code, "driver", r.Message).
		WithContext("correlation_id", r.CorrelationID)
}

// fixed header: type(4) pad(4) clientId(8) correlationId(8) registrationId(8) typeId(4)
const commandHeaderLength = 36

// fixed header: type(4) counterId(4) correlationId(8) registrationId(8) code(4)
const responseHeaderLength = 28

func align4(n int) int {
	return (n + 3) &^ 3
}

// EncodeCommand lays out a command as header | keyLen | key (padded) | labelLen | label.
func EncodeCommand(c Command) []byte {
	buf := make([]byte, commandHeaderLength+4+align4(len(c.Key))+4+len(c.Label))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(c.Type))
	le.PutUint64(buf[8:], uint64(c.ClientID))
	le.PutUint64(buf[16:], uint64(c.CorrelationID))
	le.PutUint64(buf[24:], uint64(c.RegistrationID))
	le.PutUint32(buf[32:], uint32(c.TypeID))

	off := commandHeaderLength
	off = putBytes(buf, off, c.Key)
	putBytes(buf, off, []byte(c.Label))
	return buf
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) < commandHeaderLength+8 {
		return Command{}, malformed("command frame of %d bytes is shorter than header", len(buf))
	}
	le := binary.LittleEndian
	c := Command{
		Type:           Type(le.Uint32(buf[0:])),
		ClientID:       int64(le.Uint64(buf[8:])),
		CorrelationID:  int64(le.Uint64(buf[16:])),
		RegistrationID: int64(le.Uint64(buf[24:])),
		TypeID:         int32(le.Uint32(buf[32:])),
	}

	key, off, err := getBytes(buf, commandHeaderLength)
	if err != nil {
		return Command{}, err
	}
	label, _, err := getBytes(buf, off)
	if err != nil {
		return Command{}, err
	}
	if len(key) > 0 {
		c.Key = key
	}
	c.Label = string(label)
	return c, nil
}

// EncodeResponse lays out a response as header | msgLen | message.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, responseHeaderLength+4+len(r.Message))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(r.Type))
	le.PutUint32(buf[4:], uint32(r.CounterID))
	le.PutUint64(buf[8:], uint64(r.CorrelationID))
	le.PutUint64(buf[16:], uint64(r.RegistrationID))
	le.PutUint32(buf[24:], uint32(r.Code))
	putBytes(buf, responseHeaderLength, []byte(r.Message))
	return buf
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < responseHeaderLength+4 {
		return Response{}, malformed("response frame of %d bytes is shorter than header", len(buf))
	}
	le := binary.LittleEndian
	r := Response{
		Type:           Type(le.Uint32(buf[0:])),
		CounterID:      int32(le.Uint32(buf[4:])),
		CorrelationID:  int64(le.Uint64(buf[8:])),
		RegistrationID: int64(le.Uint64(buf[16:])),
		Code:           cerrors.Code(le.Uint32(buf[24:])),
	}
	msg, _, err := getBytes(buf, responseHeaderLength)
	if err != nil {
		return Response{}, err
	}
	r.Message = string(msg)
	return r, nil
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b)))
	copy(buf[off+4:], b)
	return off + 4 + align4(len(b))
}

func getBytes(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, malformed("length prefix at %d beyond frame of %d bytes", off, len(buf))
	}
	n := int(int32(binary.LittleEndian.Uint32(buf[off:])))
	if n < 0 || off+4+n > len(buf) {
		return nil, 0, malformed("field length %d at %d overruns frame of %d bytes", n, off, len(buf))
	}
	out := make([]byte, n)
	copy(out, buf[off+4:off+4+n])
	return out, off + 4 + align4(n), nil
}

func malformed(format string, args ...any) error {
	return cerrors.Newf(cerrors.CodeMalformedCommand, "decode", format, args...)
}
