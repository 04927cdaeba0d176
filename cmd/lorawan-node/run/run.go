// Main, unattended mode of operation: join network and publish summary until stopped.
package run

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/cmd/lorawan-node/subcmd"
	"github.com/temoto/lorawan-node/internal/node"
	"github.com/temoto/lorawan-node/internal/state"
)

const stopTimeout = 5 * time.Second

var Mod = subcmd.Mod{Name: "run", Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	r, err := g.Radio()
	if err != nil {
		return errors.Annotate(err, "radio init")
	}
	defer r.Close()

	g.StartPersist()
	n, err := node.New(g.Log, r, g.Device, node.Options{
		Period:  config.PublishPeriod(),
		MaxLen:  config.MaxLen(),
		Backoff: config.Backoff(),
		Summary: g.Summary,
		Storage: &g.Persist,
		OnStarted: func() {
			subcmd.SdNotify(daemon.SdNotifyReady)
		},
		OnJoined: func() {
			subcmd.SdNotify("STATUS=joined dev_nonce=" + strconv.FormatUint(uint64(g.Device.Snapshot().DevNonce), 10))
		},
	})
	if err != nil {
		return errors.Annotate(err, "node init")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go stopOnSignal(g)
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()

	err = n.Run(ctx)
	if cause := errors.Cause(err); cause == context.Canceled {
		g.Log.Infof("stopping uptime=%v", n.Uptime())
		err = nil
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
	if !g.StopWait(stopTimeout) {
		g.Log.Errorf("stop timeout=%v, pending persist may be lost", stopTimeout)
	}
	return err
}

func stopOnSignal(g *state.Global) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		g.Log.Infof("signal=%v", s)
		g.Stop()
	case <-g.Alive.StopChan():
	}
}
