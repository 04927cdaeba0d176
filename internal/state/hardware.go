package state

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/hardware/radio/atmodem"
	"github.com/temoto/lorawan-node/hardware/radio/mqttbench"
	"github.com/temoto/lorawan-node/log2"
)

type hardware struct {
	Radio struct {
		once
		r radio.Radio
	}
}

// Radio lazily creates driver selected by config. Does no IO, see radio.Radio.Start.
func (g *Global) Radio() (radio.Radio, error) {
	x := &g.Hardware.Radio // short alias
	_ = x.do(func() error {
		if x.r != nil { // injected by test
			return nil
		}
		cfg := &g.Config.Radio
		log := g.Log.Clone(log2.LInfo)
		if cfg.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		switch cfg.Driver {
		case RadioDriverAT:
			baud := cfg.Baud
			if baud == 0 {
				baud = DefaultBaud
			}
			x.r = atmodem.New(log, atmodem.Config{
				Device:       cfg.Device,
				Baud:         baud,
				ResetPinChip: cfg.ResetPinChip,
				ResetPin:     cfg.ResetPin,
				JoinTimeout:  g.Config.JoinTimeout(),
			})
		case RadioDriverMQTT:
			topic := cfg.MQTT.Topic
			if topic == "" {
				topic = DefaultMQTTTopic
			}
			clientID := cfg.MQTT.ClientID
			if clientID == "" {
				clientID = g.Device.DeviceID()
			}
			x.r = mqttbench.New(log, mqttbench.Config{
				Broker:      cfg.MQTT.Broker,
				ClientID:    clientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				Topic:       topic,
				DeviceID:    g.Device.DeviceID(),
				JoinTimeout: g.Config.JoinTimeout(),
			})
		case RadioDriverMock:
			g.Log.Errorf("config: radio.driver=mock, nothing will be transmitted")
			x.r = radio.NewMock()
		default:
			x.err = errors.NotSupportedf("config: radio.driver=%s", cfg.Driver)
		}
		return x.err
	})
	return x.r, x.err
}

// SetRadio injects driver, must be called before first Radio().
func (g *Global) SetRadio(r radio.Radio) {
	x := &g.Hardware.Radio
	x.Lock()
	x.r = r
	x.Unlock()
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
