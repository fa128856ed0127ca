package loom

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Control message tags. These are stable wire identifiers shared by every
// participant in a deployment; never renumber them.
const (
	MsgEndOfPage int32 = 0

	MsgRequestStart int32 = 10001
	MsgSessionStart int32 = 10002
	MsgSessionEnd   int32 = 10003
	MsgTime         int32 = 10004
	MsgPing         int32 = 10005
	MsgTradingDay   int32 = 10006

	MsgLocation   int32 = 10101
	MsgRegister   int32 = 10102
	MsgDeregister int32 = 10103
	MsgChannel    int32 = 10104

	MsgRequestWriteTo        int32 = 10201
	MsgRequestReadFrom       int32 = 10202
	MsgRequestReadFromPublic int32 = 10203
	MsgTimeRequest           int32 = 10204

	MsgConfig int32 = 10301

	// MsgUserBase is the first tag available to external collaborators.
	MsgUserBase int32 = 20000
)

// TagName returns a readable name for known control tags.
func TagName(tag int32) string {
	switch tag {
	case MsgEndOfPage:
		return "EndOfPage"
	case MsgRequestStart:
		return "RequestStart"
	case MsgSessionStart:
		return "SessionStart"
	case MsgSessionEnd:
		return "SessionEnd"
	case MsgTime:
		return "Time"
	case MsgPing:
		return "Ping"
	case MsgTradingDay:
		return "TradingDay"
	case MsgLocation:
		return "Location"
	case MsgRegister:
		return "Register"
	case MsgDeregister:
		return "Deregister"
	case MsgChannel:
		return "Channel"
	case MsgRequestWriteTo:
		return "RequestWriteTo"
	case MsgRequestReadFrom:
		return "RequestReadFrom"
	case MsgRequestReadFromPublic:
		return "RequestReadFromPublic"
	case MsgTimeRequest:
		return "TimeRequest"
	case MsgConfig:
		return "Config"
	default:
		return fmt.Sprintf("User(%d)", tag)
	}
}

var le = binary.LittleEndian

// Register announces a peer to the master. It travels as JSON because it
// carries the peer's string identity and is also the payload apprentices
// deliver over the bus before any journal channel exists.
type Register struct {
	Mode     string `json:"mode"`
	Category string `json:"category"`
	Group    string `json:"group"`
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Checkin  int64  `json:"checkin_time"`
}

// Location returns the location the register record describes.
func (r Register) Location() (Location, error) {
	m, err := ParseMode(r.Mode)
	if err != nil {
		return Location{}, err
	}
	c, err := ParseCategory(r.Category)
	if err != nil {
		return Location{}, err
	}
	return NewLocation(m, c, r.Group, r.Name), nil
}

// RegisterFor builds the register record for a location.
func RegisterFor(l Location, pid int, checkin int64) Register {
	return Register{
		Mode:     l.Mode.String(),
		Category: l.Category.String(),
		Group:    l.Group,
		Name:     l.Name,
		PID:      pid,
		Checkin:  checkin,
	}
}

func (r Register) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}

func DecodeRegister(b []byte) (Register, error) {
	var r Register
	if err := json.Unmarshal(b, &r); err != nil {
		return Register{}, fmt.Errorf("decode register: %w", err)
	}
	return r, nil
}

// Deregister announces a peer's departure on PUBLIC.
type Deregister struct {
	Mode     string `json:"mode"`
	Category string `json:"category"`
	Group    string `json:"group"`
	Name     string `json:"name"`
	UID      uint32 `json:"uid"`
}

func DeregisterFor(l Location) Deregister {
	return Deregister{
		Mode:     l.Mode.String(),
		Category: l.Category.String(),
		Group:    l.Group,
		Name:     l.Name,
		UID:      l.UID,
	}
}

func (d Deregister) Encode() []byte {
	b, _ := json.Marshal(d)
	return b
}

func DecodeDeregister(b []byte) (Deregister, error) {
	var d Deregister
	if err := json.Unmarshal(b, &d); err != nil {
		return Deregister{}, fmt.Errorf("decode deregister: %w", err)
	}
	return d, nil
}

// LocationMsg publishes a location so peers can resolve uids.
type LocationMsg struct {
	Mode     string `json:"mode"`
	Category string `json:"category"`
	Group    string `json:"group"`
	Name     string `json:"name"`
}

func LocationMsgFor(l Location) LocationMsg {
	return LocationMsg{
		Mode:     l.Mode.String(),
		Category: l.Category.String(),
		Group:    l.Group,
		Name:     l.Name,
	}
}

// Location resolves the message back into a location value.
func (m LocationMsg) Location() (Location, error) {
	mode, err := ParseMode(m.Mode)
	if err != nil {
		return Location{}, err
	}
	cat, err := ParseCategory(m.Category)
	if err != nil {
		return Location{}, err
	}
	return NewLocation(mode, cat, m.Group, m.Name), nil
}

func (m LocationMsg) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func DecodeLocationMsg(b []byte) (LocationMsg, error) {
	var m LocationMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return LocationMsg{}, fmt.Errorf("decode location: %w", err)
	}
	return m, nil
}

// Channel records an authorized (source, dest) publish relationship.
// Wire layout: source u32, dest u32, little-endian.
type Channel struct {
	SourceID uint32
	DestID   uint32
}

const channelSize = 8

func (c Channel) Encode() []byte {
	b := make([]byte, channelSize)
	le.PutUint32(b[0:], c.SourceID)
	le.PutUint32(b[4:], c.DestID)
	return b
}

func DecodeChannel(b []byte) (Channel, error) {
	if len(b) < channelSize {
		return Channel{}, fmt.Errorf("decode channel: %d bytes", len(b))
	}
	return Channel{SourceID: le.Uint32(b[0:]), DestID: le.Uint32(b[4:])}, nil
}

// RequestWriteTo asks the master to authorize writing to dest.
// Wire layout: dest u32.
type RequestWriteTo struct {
	DestID uint32
}

func (r RequestWriteTo) Encode() []byte {
	b := make([]byte, 4)
	le.PutUint32(b, r.DestID)
	return b
}

func DecodeRequestWriteTo(b []byte) (RequestWriteTo, error) {
	if len(b) < 4 {
		return RequestWriteTo{}, fmt.Errorf("decode request_write_to: %d bytes", len(b))
	}
	return RequestWriteTo{DestID: le.Uint32(b)}, nil
}

// RequestReadFrom asks the master to authorize reading source's journal
// from a point in time. Wire layout: source u32, pad u32, from i64.
type RequestReadFrom struct {
	SourceID uint32
	FromTime int64
}

const requestReadFromSize = 16

func (r RequestReadFrom) Encode() []byte {
	b := make([]byte, requestReadFromSize)
	le.PutUint32(b[0:], r.SourceID)
	le.PutUint64(b[8:], uint64(r.FromTime))
	return b
}

func DecodeRequestReadFrom(b []byte) (RequestReadFrom, error) {
	if len(b) < requestReadFromSize {
		return RequestReadFrom{}, fmt.Errorf("decode request_read_from: %d bytes", len(b))
	}
	return RequestReadFrom{
		SourceID: le.Uint32(b[0:]),
		FromTime: int64(le.Uint64(b[8:])),
	}, nil
}

// RequestReadFromPublic is RequestReadFrom with PUBLIC as the source
// side; it shares the wire layout.
type RequestReadFromPublic struct {
	SourceID uint32
	FromTime int64
}

func (r RequestReadFromPublic) Encode() []byte {
	return RequestReadFrom{SourceID: r.SourceID, FromTime: r.FromTime}.Encode()
}

func DecodeRequestReadFromPublic(b []byte) (RequestReadFromPublic, error) {
	rr, err := DecodeRequestReadFrom(b)
	if err != nil {
		return RequestReadFromPublic{}, err
	}
	return RequestReadFromPublic{SourceID: rr.SourceID, FromTime: rr.FromTime}, nil
}

// TimeRequest schedules periodic Time marks into the requester's command
// journal. Wire layout: id i32, repeat i32, duration i64 (nanoseconds).
type TimeRequest struct {
	ID       int32
	Duration int64
	Repeat   int32
}

const timeRequestSize = 16

func (r TimeRequest) Encode() []byte {
	b := make([]byte, timeRequestSize)
	le.PutUint32(b[0:], uint32(r.ID))
	le.PutUint32(b[4:], uint32(r.Repeat))
	le.PutUint64(b[8:], uint64(r.Duration))
	return b
}

func DecodeTimeRequest(b []byte) (TimeRequest, error) {
	if len(b) < timeRequestSize {
		return TimeRequest{}, fmt.Errorf("decode time_request: %d bytes", len(b))
	}
	return TimeRequest{
		ID:       int32(le.Uint32(b[0:])),
		Repeat:   int32(le.Uint32(b[4:])),
		Duration: int64(le.Uint64(b[8:])),
	}, nil
}

// TradingDay carries the active trading day as nanoseconds since epoch.
type TradingDay struct {
	Timestamp int64
}

func (t TradingDay) Encode() []byte {
	b := make([]byte, 8)
	le.PutUint64(b, uint64(t.Timestamp))
	return b
}

func DecodeTradingDay(b []byte) (TradingDay, error) {
	if len(b) < 8 {
		return TradingDay{}, fmt.Errorf("decode trading_day: %d bytes", len(b))
	}
	return TradingDay{Timestamp: int64(le.Uint64(b))}, nil
}
