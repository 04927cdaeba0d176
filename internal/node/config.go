package node

import (
	"strconv"
	"strings"
	"sync"

	"github.com/brocaar/lorawan"
	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/internal/summary"
)

// Settings is externally editable identity and OTAA parameters.
// EUI and key fields are hex strings, decoded only when join request is built.
// DevEUI is provisioned per device and not part of persisted subset.
type Settings struct {
	DevEUI   string `cbor:"-"`
	DeviceID string `cbor:"-"`
	JoinEUI  string `cbor:"1,keyasint,omitempty"`
	AppKey   string `cbor:"2,keyasint,omitempty"`
	DevNonce uint32 `cbor:"3,keyasint"`
}

// DeviceConfig is owned by process and shared by pointer between control loop,
// persistent storage and config console. Methods are safe for concurrent use.
type DeviceConfig struct {
	mu sync.Mutex
	s  Settings
}

func NewDeviceConfig(s Settings) *DeviceConfig {
	c := &DeviceConfig{s: s}
	if c.s.DeviceID == "" {
		c.s.DeviceID = strings.ToUpper(c.s.DevEUI)
	}
	return c
}

func (c *DeviceConfig) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *DeviceConfig) Update(f func(*Settings)) {
	c.mu.Lock()
	f(&c.s)
	c.mu.Unlock()
}

func (c *DeviceConfig) DeviceID() string { return c.Snapshot().DeviceID }

// JoinRequest decodes credentials for one join attempt. DevNonce is left to caller.
func (c *DeviceConfig) JoinRequest() (radio.JoinRequest, error) {
	s := c.Snapshot()
	var req radio.JoinRequest
	if err := req.DevEUI.UnmarshalText([]byte(s.DevEUI)); err != nil {
		return req, errors.Annotatef(err, "DevEUI='%s'", s.DevEUI)
	}
	if err := req.JoinEUI.UnmarshalText([]byte(s.JoinEUI)); err != nil {
		return req, errors.Annotatef(err, "JoinEUI='%s'", s.JoinEUI)
	}
	if err := req.AppKey.UnmarshalText([]byte(s.AppKey)); err != nil {
		// never log key material
		return req, errors.Annotatef(err, "AppKey len=%d", len(s.AppKey))
	}
	req.NwkKey = req.AppKey
	return req, nil
}

// MarshalBinary encodes persisted subset: JoinEUI, AppKey, DevNonce.
func (c *DeviceConfig) MarshalBinary() ([]byte, error) {
	s := c.Snapshot()
	return cbor.Marshal(s)
}

// UnmarshalBinary overwrites persisted subset, DevEUI and DeviceID are kept.
// Bytes after first CBOR item are ignored.
func (c *DeviceConfig) UnmarshalBinary(b []byte) error {
	var stored Settings
	if _, err := cbor.UnmarshalFirst(b, &stored); err != nil {
		return errors.Annotate(err, "device config decode")
	}
	c.Update(func(s *Settings) {
		if stored.JoinEUI != "" {
			s.JoinEUI = stored.JoinEUI
		}
		if stored.AppKey != "" {
			s.AppKey = stored.AppKey
		}
		s.DevNonce = stored.DevNonce
	})
	return nil
}

// RegisterItems exposes configuration as editable registry items under LoRaWAN group.
// onChange is called after successful edit of persisted item, may be nil.
func (c *DeviceConfig) RegisterItems(reg *summary.Registry, onChange func()) error {
	changed := func() {
		if onChange != nil {
			onChange()
		}
	}
	setHex := func(field *string, decode func([]byte) error) func(string) error {
		return func(text string) error {
			text = strings.TrimSpace(text)
			if err := decode([]byte(text)); err != nil {
				return err
			}
			c.mu.Lock()
			*field = strings.ToUpper(text)
			c.mu.Unlock()
			changed()
			return nil
		}
	}
	get := func(f func(s *Settings) interface{}) func() interface{} {
		return func() interface{} {
			s := c.Snapshot()
			return f(&s)
		}
	}
	return reg.Add(
		summary.Item{ID: 0x70, Parent: summary.IDLorawan, Name: "cDevEUI",
			Get: get(func(s *Settings) interface{} { return s.DevEUI })},
		summary.Item{ID: 0x71, Parent: summary.IDLorawan, Name: "pJoinEUI", Subsets: summary.SubsetNVM,
			Get: get(func(s *Settings) interface{} { return s.JoinEUI }),
			Set: setHex(&c.s.JoinEUI, new(lorawan.EUI64).UnmarshalText)},
		summary.Item{ID: 0x72, Parent: summary.IDLorawan, Name: "pAppKey", Subsets: summary.SubsetNVM,
			Get: get(func(s *Settings) interface{} { return s.AppKey }),
			Set: setHex(&c.s.AppKey, new(lorawan.AES128Key).UnmarshalText)},
		summary.Item{ID: 0x73, Parent: summary.IDLorawan, Name: "pDevNonce", Subsets: summary.SubsetNVM,
			Get: get(func(s *Settings) interface{} { return s.DevNonce }),
			Set: func(text string) error {
				x, err := strconv.ParseUint(strings.TrimSpace(text), 10, 32)
				if err != nil {
					return err
				}
				c.Update(func(s *Settings) { s.DevNonce = uint32(x) })
				changed()
				return nil
			}},
	)
}
