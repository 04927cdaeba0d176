package radio

// Public API to easy create radio stubs to test your code.
import (
	"context"
	"sync"
)

type Sent struct {
	Port    uint8
	Payload []byte
	Mode    SendMode
}

// Mock is in-memory Radio. Zero value joins and sends successfully.
// Set *Func fields before use to script failures.
type Mock struct {
	sync.Mutex
	StartErr  error
	JoinFunc  func(attempt int, req JoinRequest) error
	SendFunc  func(n int, s Sent) error
	Next, Max int

	Joins   []JoinRequest
	Sends   []Sent
	Started bool
	Closed  bool

	downlink DownlinkObserver
	datarate DatarateObserver
}

var _ Radio = &Mock{} // compile-time interface test

func NewMock() *Mock {
	return &Mock{Next: DefaultMaxPayload, Max: DefaultMaxPayload}
}

func (self *Mock) Start(ctx context.Context) error {
	self.Lock()
	defer self.Unlock()
	if self.StartErr != nil {
		return self.StartErr
	}
	self.Started = true
	return nil
}

func (self *Mock) Join(ctx context.Context, req JoinRequest) error {
	self.Lock()
	attempt := len(self.Joins)
	self.Joins = append(self.Joins, req)
	f := self.JoinFunc
	self.Unlock()
	if f != nil {
		return f(attempt, req)
	}
	return nil
}

func (self *Mock) Send(ctx context.Context, port uint8, payload []byte, mode SendMode) error {
	s := Sent{Port: port, Payload: append([]byte(nil), payload...), Mode: mode}
	self.Lock()
	n := len(self.Sends)
	self.Sends = append(self.Sends, s)
	f := self.SendFunc
	self.Unlock()
	if f != nil {
		return f(n, s)
	}
	return nil
}

func (self *Mock) PayloadSizes() (next, max int) {
	self.Lock()
	defer self.Unlock()
	return self.Next, self.Max
}

func (self *Mock) SetDownlinkObserver(o DownlinkObserver) {
	self.Lock()
	self.downlink = o
	self.Unlock()
}

func (self *Mock) SetDatarateObserver(o DatarateObserver) {
	self.Lock()
	self.datarate = o
	self.Unlock()
}

func (self *Mock) Close() error {
	self.Lock()
	self.Closed = true
	self.Unlock()
	return nil
}

// EmitDownlink calls registered observer like driver receive path would.
func (self *Mock) EmitDownlink(d Downlink) {
	self.Lock()
	o := self.downlink
	self.Unlock()
	if o != nil {
		o.OnDownlink(d)
	}
}

// EmitDatarate updates payload sizes, then notifies observer.
func (self *Mock) EmitDatarate(dr Datarate, next, max int) {
	self.Lock()
	self.Next, self.Max = next, max
	o := self.datarate
	self.Unlock()
	if o != nil {
		o.OnDatarate(dr)
	}
}

func (self *Mock) JoinCount() int {
	self.Lock()
	defer self.Unlock()
	return len(self.Joins)
}

func (self *Mock) SendCount() int {
	self.Lock()
	defer self.Unlock()
	return len(self.Sends)
}
