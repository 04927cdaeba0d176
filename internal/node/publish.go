package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/internal/summary"
	"github.com/temoto/lorawan-node/log2"
)

const DefaultPublishPeriod = 60 * time.Second

var ErrNotJoined = errors.New("not joined")

// Exporter produces summary snapshot no longer than maxLen.
type Exporter interface {
	ExportSummary(maxLen int) ([]byte, error)
}

type Sender interface {
	Send(ctx context.Context, port uint8, payload []byte, mode radio.SendMode) error
}

type JoinStater interface {
	State() JoinState
}

type PublishStat struct {
	Sent   uint32
	Failed uint32
}

// Publisher sends summary snapshot once per period as unconfirmed uplink.
// Send failures are logged and never change period or stop the loop.
type Publisher struct {
	log      *log2.Log
	radio    Sender
	exporter Exporter
	join     JoinStater
	period   time.Duration
	maxLen   int
	port     uint8
	sleep    helpers.SleepFunc

	sent   uint32
	failed uint32
}

func NewPublisher(log *log2.Log, r Sender, exporter Exporter, join JoinStater, period time.Duration, maxLen int, sleep helpers.SleepFunc) *Publisher {
	if period <= 0 {
		period = DefaultPublishPeriod
	}
	if maxLen <= 0 {
		maxLen = radio.DefaultMaxPayload
	}
	if sleep == nil {
		sleep = helpers.Sleep
	}
	return &Publisher{
		log:      log,
		radio:    r,
		exporter: exporter,
		join:     join,
		period:   period,
		maxLen:   maxLen,
		// use port 0x80 + data object ID for ID/value map
		port:  summary.PortSummaryBase + uint8(summary.IDSummary),
		sleep: sleep,
	}
}

func (self *Publisher) Port() uint8           { return self.port }
func (self *Publisher) Period() time.Duration { return self.period }
func (self *Publisher) MaxLen() int           { return self.maxLen }
func (self *Publisher) Stat() PublishStat {
	return PublishStat{Sent: atomic.LoadUint32(&self.sent), Failed: atomic.LoadUint32(&self.failed)}
}

// PublishOnce exports fresh snapshot and sends it.
// Only ErrNotJoined is a caller problem, other errors are already logged.
func (self *Publisher) PublishOnce(ctx context.Context) error {
	if self.join.State() != Joined {
		return ErrNotJoined
	}
	buf, err := self.exporter.ExportSummary(self.maxLen)
	if err != nil {
		atomic.AddUint32(&self.failed, 1)
		err = errors.Annotate(err, "summary export")
		self.log.Errorf("publish err=%v", err)
		return err
	}
	if err = self.radio.Send(ctx, self.port, buf, radio.Unconfirmed); err != nil {
		atomic.AddUint32(&self.failed, 1)
		self.log.Errorf("sending message failed port=%d len=%d err=%v", self.port, len(buf), err)
		return err
	}
	atomic.AddUint32(&self.sent, 1)
	self.log.Hexdump(log2.LInfo, buf, "message sent:")
	return nil
}

// Run publishes every period until ctx is done.
func (self *Publisher) Run(ctx context.Context) error {
	for {
		if err := self.PublishOnce(ctx); errors.Cause(err) == ErrNotJoined {
			return err
		}
		if err := self.sleep(ctx, self.period); err != nil {
			return err
		}
	}
}
