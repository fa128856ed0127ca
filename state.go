package loom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is a typed configuration record persisted for a location.
// Its natural key is the location identity; Value is an opaque document
// owned by the peer (strategy parameters, adapter settings, ...).
type Config struct {
	Mode     string `json:"mode"`
	Category string `json:"category"`
	Group    string `json:"group"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

// ConfigFor builds an empty config record keyed by a location.
func ConfigFor(l Location) Config {
	return Config{
		Mode:     l.Mode.String(),
		Category: l.Category.String(),
		Group:    l.Group,
		Name:     l.Name,
	}
}

// Key is the natural key: the uname of the owning location.
func (c Config) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", c.Mode, c.Category, c.Group, c.Name)
}

// UID is the uid of the owning location.
func (c Config) UID() uint32 { return Hash32(c.Key()) }

// Location resolves the config record's owning location.
func (c Config) Location() (Location, error) {
	m, err := ParseMode(c.Mode)
	if err != nil {
		return Location{}, err
	}
	cat, err := ParseCategory(c.Category)
	if err != nil {
		return Location{}, err
	}
	return NewLocation(m, cat, c.Group, c.Name), nil
}

func (c Config) Encode() []byte {
	b, _ := json.Marshal(c)
	return b
}

func DecodeConfig(b []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return Config{
		Mode:     strings.ToLower(c.Mode),
		Category: strings.ToLower(c.Category),
		Group:    c.Group,
		Name:     c.Name,
		Value:    c.Value,
	}, nil
}

// StateType describes one state-data record type: frames carrying these
// tags are mirrored into the owner's embedded DB and replayed on restart.
// KeyOf extracts the record's natural key from its payload.
type StateType struct {
	Tag   int32
	Name  string
	KeyOf func(payload []byte) (string, error)
}

// StateTypes is the build-time enumeration of state-data types. Adding a
// type here is all it takes to have it persisted and restored.
var StateTypes = []StateType{
	{
		Tag:  MsgConfig,
		Name: "config",
		KeyOf: func(payload []byte) (string, error) {
			c, err := DecodeConfig(payload)
			if err != nil {
				return "", err
			}
			return c.Key(), nil
		},
	},
}

// StateTypeFor looks up a state-data type by tag.
func StateTypeFor(tag int32) (StateType, bool) {
	for _, st := range StateTypes {
		if st.Tag == tag {
			return st, true
		}
	}
	return StateType{}, false
}
