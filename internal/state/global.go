package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/internal/node"
	"github.com/temoto/lorawan-node/internal/persist"
	"github.com/temoto/lorawan-node/internal/summary"
	"github.com/temoto/lorawan-node/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Device       *node.DeviceConfig
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Persist      persist.Persist
	Summary      *summary.Registry
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive:   alive.NewAlive(),
		Log:     log,
		Summary: summary.NewRegistry(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, ContextKey, g)

	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	if g.BuildVersion != "" {
		g.Log.Infof("build version=%s", g.BuildVersion)
	}
	if g.Config.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	if err := g.Config.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}

	if g.Config.Persist.Root == "" && !g.Config.Persist.Disable {
		g.Config.Persist.Root = DefaultPersistRoot
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	errs := make([]error, 0)

	g.Device = node.NewDeviceConfig(g.Config.Settings())
	if err := g.Device.RegisterItems(g.Summary, nil); err != nil {
		errs = append(errs, errors.Annotate(err, "device config items"))
	}

	// persisted values override config file, DevNonce must survive restart
	{
		err := g.Persist.Init("device", g.Device, g.Config.Persist.Root, !g.Config.Persist.Disable, g.Log)
		if err == nil {
			err = g.Persist.Load()
		}
		if err != nil {
			g.Error(err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		s := g.Device.Snapshot()
		g.Log.Infof("device id=%s dev_eui=%s join_eui=%s dev_nonce=%d", s.DeviceID, s.DevEUI, s.JoinEUI, s.DevNonce)
	}

	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// StartPersist runs background writer for RequestPersist until Stop.
func (g *Global) StartPersist() {
	if !g.Alive.Add(1) {
		g.Log.Errorf("persist start after stop")
		return
	}
	go g.Persist.Run(g.Alive)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
