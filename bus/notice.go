package bus

import (
	"encoding/json"
	"fmt"
)

// Notice is the JSON envelope for control strings on the bus. Register
// travels this way because no journal channel exists before
// registration; everything else is incidental signalling (Ping replies,
// external notifications).
type Notice struct {
	MsgType int32           `json:"msg_type"`
	Source  uint32          `json:"source"`
	Dest    uint32          `json:"dest"`
	GenTime int64           `json:"gen_time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (n Notice) Encode() string {
	b, _ := json.Marshal(n)
	return string(b)
}

func DecodeNotice(b []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(b, &n); err != nil {
		return Notice{}, fmt.Errorf("decode notice: %w", err)
	}
	if n.MsgType == 0 {
		return Notice{}, fmt.Errorf("decode notice: missing msg_type")
	}
	return n, nil
}
