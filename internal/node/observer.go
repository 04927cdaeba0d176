package node

import (
	"sync/atomic"

	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/log2"
)

type PayloadSizer interface {
	PayloadSizes() (next, max int)
}

// Observer receives network notifications from radio driver goroutine.
// Only logs and keeps own link statistics, never touches join state or nonce.
// TODO feed max payload into Publisher once summary export can shrink per datarate.
type Observer struct {
	log   *log2.Log
	sizer PayloadSizer

	downlinks  uint32
	lastRSSI   int32
	lastSNR    int32
	datarate   uint32
	maxPayload uint32
}

var _ radio.DownlinkObserver = &Observer{}
var _ radio.DatarateObserver = &Observer{}

func NewObserver(log *log2.Log, sizer PayloadSizer) *Observer {
	return &Observer{log: log, sizer: sizer}
}

func (self *Observer) OnDownlink(d radio.Downlink) {
	atomic.AddUint32(&self.downlinks, 1)
	atomic.StoreInt32(&self.lastRSSI, int32(d.RSSI))
	atomic.StoreInt32(&self.lastSNR, int32(d.SNR))
	self.log.Infof("downlink port=%d pending=%t rssi=%ddBm snr=%ddB", d.Port, d.Pending, d.RSSI, d.SNR)
	if len(d.Payload) != 0 {
		self.log.Hexdump(log2.LInfo, d.Payload, "payload:")
	}
}

func (self *Observer) OnDatarate(dr radio.Datarate) {
	_, max := self.sizer.PayloadSizes()
	atomic.StoreUint32(&self.datarate, uint32(dr))
	atomic.StoreUint32(&self.maxPayload, uint32(max))
	self.log.Infof("new datarate DR_%d max_payload=%d", dr, max)
}

type LinkStat struct {
	Downlinks  uint32
	LastRSSI   int16
	LastSNR    int8
	Datarate   radio.Datarate
	MaxPayload int
}

func (self *Observer) Stat() LinkStat {
	return LinkStat{
		Downlinks:  atomic.LoadUint32(&self.downlinks),
		LastRSSI:   int16(atomic.LoadInt32(&self.lastRSSI)),
		LastSNR:    int8(atomic.LoadInt32(&self.lastSNR)),
		Datarate:   radio.Datarate(atomic.LoadUint32(&self.datarate)),
		MaxPayload: int(atomic.LoadUint32(&self.maxPayload)),
	}
}
