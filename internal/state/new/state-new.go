// Test context constructor, separate package to keep radio mock out of state imports.
package state_new

import (
	"context"
	"os"
	"testing"

	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/internal/state"
	"github.com/temoto/lorawan-node/log2"
)

const TestDeviceConfig = `
device { eui = "0102030405060708" }
lorawan {
	join_eui = "70B3D57ED0000000"
	app_key = "000102030405060708090A0B0C0D0E0F"
}
radio { driver = "mock" }
persist { disable = true }
`

// NewTestContext returns initialized Global with radio.Mock injected.
// confString is appended to TestDeviceConfig, later values override.
func NewTestContext(t testing.TB, buildVersion string, confString string) (context.Context, *state.Global, *radio.Mock) {
	fs := state.NewMockFullReader(map[string]string{
		"test-inline": TestDeviceConfig + confString,
	})

	var log *log2.Log
	if os.Getenv("lorawan_node_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := state.NewContext(log)
	g.BuildVersion = buildVersion
	config, err := state.ReadConfig(log, fs, "test-inline")
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	if err = g.Init(ctx, config); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	mock := radio.NewMock()
	g.SetRadio(mock)
	if _, err := g.Radio(); err != nil {
		t.Fatal(errors.Trace(err))
	}
	return ctx, g, mock
}
