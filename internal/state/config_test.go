package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/log2"
)

const testDevice = `device { eui = "0102030405060708" } radio { driver = "mock" } persist { disable = true }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Global)
		expectErr string
	}
	cases := []Case{
		{"defaults", testDevice, func(t testing.TB, g *Global) {
			c := g.Config
			assert.Equal(t, "0102030405060708", g.Device.DeviceID())
			assert.Equal(t, 60*time.Second, c.PublishPeriod())
			assert.Equal(t, 51, c.MaxLen())
			assert.Equal(t, 30*time.Second, c.JoinTimeout())
			b := c.Backoff()
			assert.Equal(t, helpers.DefaultBackoffMin, b.Min)
			assert.Equal(t, helpers.DefaultBackoffMax, b.Max)
			assert.Equal(t, helpers.DefaultBackoffJitter, b.Jitter)
		}, ""},

		{"full", testDevice + `
device { id = "node-1" }
lorawan {
	join_eui = " 70b3d57ed0000000 "
	app_key = "000102030405060708090A0B0C0D0E0F"
	dev_nonce = 41
	backoff_min_sec = 1
	backoff_max_sec = 10
	backoff_no_jitter = true
}
telemetry { period_sec = 300 max_len = 11 }
radio { join_timeout_sec = 7 }`,
			func(t testing.TB, g *Global) {
				s := g.Device.Snapshot()
				assert.Equal(t, "node-1", s.DeviceID)
				assert.Equal(t, "70b3d57ed0000000", s.JoinEUI)
				assert.Equal(t, uint32(41), s.DevNonce)
				assert.Equal(t, 5*time.Minute, g.Config.PublishPeriod())
				assert.Equal(t, 11, g.Config.MaxLen())
				assert.Equal(t, 7*time.Second, g.Config.JoinTimeout())
				b := g.Config.Backoff()
				assert.Equal(t, time.Second, b.Min)
				assert.Equal(t, 10*time.Second, b.Max)
				assert.Equal(t, helpers.NoJitter, b.Jitter)
			}, ""},

		{"registry", testDevice + `lorawan { dev_nonce = 9 }`, func(t testing.TB, g *Global) {
			v, err := g.Summary.Get("pDevNonce")
			assert.NoError(t, err)
			assert.Equal(t, uint32(9), v)
		}, ""},

		{"include-normalize", testDevice + `include "./empty" {}`, nil, ""},

		{"include-optional", `
include "device" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, "0102030405060708", g.Config.Device.EUI)
			}, ""},

		{"include-overwrites", testDevice + `
telemetry { period_sec = 1 }
include "period-7" {}`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, 7*time.Second, g.Config.PublishPeriod())
			}, ""},

		{"mqtt", `device { eui = "0102030405060708" } persist { disable = true }
radio { driver = "mqtt" mqtt { broker = "tcp://localhost:1883" topic = "bench" } }`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, "tcp://localhost:1883", g.Config.Radio.MQTT.Broker)
				r, err := g.Radio()
				assert.NoError(t, err)
				assert.NotNil(t, r)
			}, ""},

		{"error-include-required", testDevice + `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-no-eui", `radio { driver = "mock" } persist { disable = true }`, nil, "device.eui"},
		{"error-driver", testDevice + `radio { driver = "spi" }`, nil, "radio.driver=spi"},
		{"error-at-device", `device { eui = "0102030405060708" } radio { driver = "at" } persist { disable = true }`, nil, "radio.device=empty"},
		{"error-mqtt-broker", `device { eui = "0102030405060708" } radio { driver = "mqtt" } persist { disable = true }`, nil, "radio.mqtt.broker"},
		{"error-period", testDevice + `telemetry { period_sec = -1 }`, nil, "period_sec"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			ctx, g := NewContext(log)

			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"device":       testDevice,
				"period-7":     "telemetry { period_sec = 7 }",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if err == nil {
				err = g.Init(ctx, cfg)
			}
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, g)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestGetGlobal(t *testing.T) {
	t.Parallel()

	ctx, g := NewContext(log2.NewTest(t, log2.LDebug))
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Panics(t, func() { GetGlobal(context.Background()) })
}
