// Package node is LoRaWAN end device control loop: OTAA join with backoff,
// DevNonce bookkeeping and periodic summary uplink.
package node

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/internal/summary"
	"github.com/temoto/lorawan-node/log2"
)

type Options struct {
	Period  time.Duration
	MaxLen  int
	Backoff *helpers.Backoff
	Sleep   helpers.SleepFunc
	// Exporter defaults to Summary registry.
	Exporter Exporter
	Summary  *summary.Registry
	Storage  Persister

	// OnStarted is called once radio stack is up, OnJoined once network is joined.
	OnStarted func()
	OnJoined  func()
}

type Node struct {
	Log       *log2.Log
	Radio     radio.Radio
	Config    *DeviceConfig
	Nonce     *NonceStore
	Join      *JoinController
	Publisher *Publisher
	Observer  *Observer

	onStarted func()
	onJoined  func()
	startedAt time.Time
}

func New(log *log2.Log, r radio.Radio, config *DeviceConfig, opt Options) (*Node, error) {
	if r == nil {
		return nil, errors.NotValidf("radio=nil")
	}
	if config == nil {
		return nil, errors.NotValidf("device config=nil")
	}
	exporter := opt.Exporter
	if exporter == nil {
		if opt.Summary == nil {
			return nil, errors.NotValidf("no summary exporter")
		}
		exporter = opt.Summary
	}
	n := &Node{
		Log:       log,
		Radio:     r,
		Config:    config,
		Nonce:     NewNonceStore(log, config, opt.Storage),
		Observer:  NewObserver(log, r),
		onStarted: opt.OnStarted,
		onJoined:  opt.OnJoined,
		startedAt: time.Now(),
	}
	n.Join = NewJoinController(log, r, config, n.Nonce, opt.Backoff, opt.Sleep)
	n.Publisher = NewPublisher(log, r, exporter, n.Join, opt.Period, opt.MaxLen, opt.Sleep)
	if opt.Summary != nil {
		if err := n.RegisterStatItems(opt.Summary); err != nil {
			return nil, errors.Annotate(err, "node stat items")
		}
	}
	return n, nil
}

// Run is whole device lifetime: radio start, join, then publish until ctx is done.
// Radio start error is fatal and returned as is, annotated.
func (self *Node) Run(ctx context.Context) error {
	// observers before start, driver may deliver notifications right away
	self.Radio.SetDownlinkObserver(self.Observer)
	self.Radio.SetDatarateObserver(self.Observer)

	if err := self.Radio.Start(ctx); err != nil {
		return errors.Annotate(err, "radio start")
	}
	self.Log.Infof("device id=%s radio started", self.Config.DeviceID())
	if self.onStarted != nil {
		self.onStarted()
	}

	self.Nonce.Bump()

	if err := self.Join.Run(ctx); err != nil {
		return errors.Annotate(err, "join")
	}
	if self.onJoined != nil {
		self.onJoined()
	}
	return errors.Annotate(self.Publisher.Run(ctx), "publish")
}

func (self *Node) Uptime() time.Duration { return time.Since(self.startedAt) }

// RegisterStatItems exposes node state in summary subset and for console.
func (self *Node) RegisterStatItems(reg *summary.Registry) error {
	const ss = summary.SubsetSummary
	return reg.Add(
		summary.Item{ID: 0x01, Parent: summary.IDSummary, Name: "sUptime", Subsets: ss,
			Get: func() interface{} { return uint32(self.Uptime() / time.Second) }},
		summary.Item{ID: 0x02, Parent: summary.IDSummary, Name: "sSent", Subsets: ss,
			Get: func() interface{} { return self.Publisher.Stat().Sent }},
		summary.Item{ID: 0x03, Parent: summary.IDSummary, Name: "sFailed", Subsets: ss,
			Get: func() interface{} { return self.Publisher.Stat().Failed }},
		summary.Item{ID: 0x04, Parent: summary.IDSummary, Name: "sRSSI", Subsets: ss,
			Get: func() interface{} { return self.Observer.Stat().LastRSSI }},
		summary.Item{ID: 0x05, Parent: summary.IDSummary, Name: "sSNR", Subsets: ss,
			Get: func() interface{} { return self.Observer.Stat().LastSNR }},
		summary.Item{ID: 0x06, Parent: summary.IDSummary, Name: "sDatarate", Subsets: ss,
			Get: func() interface{} { return uint8(self.Observer.Stat().Datarate) }},
		summary.Item{ID: 0x07, Parent: summary.IDSummary, Name: "sDownlinks", Subsets: ss,
			Get: func() interface{} { return self.Observer.Stat().Downlinks }},
		summary.Item{ID: 0x74, Parent: summary.IDLorawan, Name: "sJoinState",
			Get: func() interface{} { return self.Join.State().String() }},
		summary.Item{ID: 0x75, Parent: summary.IDLorawan, Name: "sJoinAttempts",
			Get: func() interface{} { return self.Join.Session().Attempt }},
	)
}
