package mqttbench

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/log2"
)

type mqttMock struct {
	mu         sync.Mutex
	opt        *mqtt.ClientOptions
	subs       map[string]mqtt.MessageHandler
	pubs       []mockMsg
	connectErr error
	onPublish  func(mockMsg)
	stall      bool
}

func newMqttMock() *mqttMock {
	return &mqttMock{subs: make(map[string]mqtt.MessageHandler)}
}

func (self *mqttMock) mockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.opt = opt
	return self
}

func (self *mqttMock) deliver(t testing.TB, topic string, v interface{}) {
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	self.mu.Lock()
	h, ok := self.subs[topic]
	self.mu.Unlock()
	if !ok {
		t.Errorf("not subscribed for topic=%s", topic)
		return
	}
	h(self, mockMsg{T: topic, P: b})
}

func (self *mqttMock) published(topic string) []mockMsg {
	self.mu.Lock()
	defer self.mu.Unlock()
	var ms []mockMsg
	for _, m := range self.pubs {
		if m.T == topic {
			ms = append(ms, m)
		}
	}
	return ms
}

func (self *mqttMock) Disconnect(uint)        {}
func (self *mqttMock) IsConnected() bool      { return true }
func (self *mqttMock) IsConnectionOpen() bool { return true }

func (self *mqttMock) Connect() mqtt.Token {
	if self.connectErr != nil {
		return mockToken{self.connectErr}
	}
	if self.opt.OnConnect != nil {
		self.opt.OnConnect(self)
	}
	return mockToken{nil}
}

func (self *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	msg := mockMsg{T: topic, P: payload.([]byte), Q: qos, R: retain}
	self.mu.Lock()
	self.pubs = append(self.pubs, msg)
	f := self.onPublish
	stall := self.stall
	self.mu.Unlock()
	if f != nil {
		f(msg)
	}
	if stall {
		return stallToken{}
	}
	return mockToken{nil}
}

func (self *mqttMock) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.mu.Lock()
	self.subs[topic] = handler
	self.mu.Unlock()
	return mockToken{nil}
}

func (self *mqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }
func (self *mqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}
func (self *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }
func (tok mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stallToken never completes, like publish to unresponsive broker.
type stallToken struct{}

func (stallToken) Error() error                   { return nil }
func (stallToken) Wait() bool                     { select {} }
func (stallToken) WaitTimeout(time.Duration) bool { return false }
func (stallToken) Done() <-chan struct{}          { return nil }

type mockMsg struct {
	T string
	P []byte
	Q byte
	R bool
}

func (msg mockMsg) Ack()              {}
func (msg mockMsg) Duplicate() bool   { return false }
func (msg mockMsg) MessageID() uint16 { return 0 }
func (msg mockMsg) Payload() []byte   { return msg.P }
func (msg mockMsg) Qos() byte         { return msg.Q }
func (msg mockMsg) Retained() bool    { return msg.R }
func (msg mockMsg) Topic() string     { return msg.T }

func testConfig() Config {
	return Config{
		Broker:      "tcp://127.0.0.1:1883",
		ClientID:    "dev1",
		Topic:       "bench/",
		DeviceID:    "dev1",
		JoinTimeout: 100 * time.Millisecond,
	}
}

func startClient(t *testing.T, mock *mqttMock) *Client {
	log := log2.NewTest(t, log2.LDebug)
	c := NewWithClient(log, testConfig(), mock.mockNew)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func testJoinRequest() radio.JoinRequest {
	var req radio.JoinRequest
	req.DevEUI = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	req.JoinEUI = [8]byte{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0, 0, 0}
	req.AppKey = [16]byte{0: 0xaa, 15: 0xbb}
	req.NwkKey = req.AppKey
	req.DevNonce = 42
	return req
}

func TestStart(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	startClient(t, mock)
	assert.Equal(t, "dev1", mock.opt.ClientID)
	assert.Equal(t, "bench/dev1/status", mock.opt.WillTopic)
	for _, topic := range []string{"bench/dev1/join/result", "bench/dev1/down", "bench/dev1/dr"} {
		assert.Contains(t, mock.subs, topic)
	}
	status := mock.published("bench/dev1/status")
	require.Equal(t, 1, len(status))
	assert.Equal(t, []byte{0x01}, status[0].P)
	assert.True(t, status[0].R)
}

func TestStartNotReady(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	mock.connectErr = errors.New("connection refused")
	log := log2.NewTest(t, log2.LDebug)
	c := NewWithClient(log, testConfig(), mock.mockNew)
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, radio.ErrNotReady, errors.Cause(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, radio.ErrNotStarted, c.Send(context.Background(), 2, []byte{1}, radio.Unconfirmed))
	assert.Equal(t, radio.ErrNotStarted, c.Join(context.Background(), testJoinRequest()))
}

func TestJoin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		result        *joinResult
		expectCode    int
		expectTimeout bool
	}{
		{"joined", &joinResult{OK: true}, 0, false},
		{"rejected", &joinResult{Code: -13}, -13, false},
		{"network-timeout", &joinResult{Code: -110}, -110, true},
		{"no-answer", nil, -110, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			mock := newMqttMock()
			mock.onPublish = func(msg mockMsg) {
				if msg.T == "bench/dev1/join" && c.result != nil {
					go mock.deliver(t, "bench/dev1/join/result", c.result)
				}
			}
			client := startClient(t, mock)
			err := client.Join(context.Background(), testJoinRequest())
			if c.expectCode == 0 {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				je, ok := errors.Cause(err).(*radio.JoinError)
				require.True(t, ok, "err=%v", err)
				assert.Equal(t, c.expectCode, je.Code)
			}
			assert.Equal(t, c.expectTimeout, radio.IsTimeout(err))

			pubs := mock.published("bench/dev1/join")
			require.Equal(t, 1, len(pubs))
			var req joinRequest
			require.NoError(t, cbor.Unmarshal(pubs[0].P, &req))
			assert.Equal(t, joinRequest{DevEUI: "0102030405060708", JoinEUI: "70B3D57ED0000000", DevNonce: 42}, req)
		})
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	c := startClient(t, mock)
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, 0x88, []byte{0xa1, 0x01}, radio.Unconfirmed))
	require.NoError(t, c.Send(ctx, 2, []byte{0xff}, radio.Confirmed))
	pubs := mock.published("bench/dev1/up")
	require.Equal(t, 2, len(pubs))
	var up uplink
	require.NoError(t, cbor.Unmarshal(pubs[0].P, &up))
	assert.Equal(t, uplink{Port: 0x88, Payload: []byte{0xa1, 0x01}}, up)
	assert.Equal(t, byte(0), pubs[0].Q)
	require.NoError(t, cbor.Unmarshal(pubs[1].P, &up))
	assert.True(t, up.Confirmed)
	assert.Equal(t, byte(1), pubs[1].Q)

	err := c.Send(ctx, 2, make([]byte, radio.DefaultMaxPayload+1), radio.Unconfirmed)
	se, ok := err.(*radio.SendError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, -90, se.Code)
}

func TestPublishStalled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fun  func(ctx context.Context, c *Client) error
	}{
		{"send", func(ctx context.Context, c *Client) error {
			return c.Send(ctx, 2, []byte{1}, radio.Confirmed)
		}},
		{"join", func(ctx context.Context, c *Client) error {
			return c.Join(ctx, testJoinRequest())
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			mock := newMqttMock()
			client := startClient(t, mock)
			mock.mu.Lock()
			mock.stall = true
			mock.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			start := time.Now()
			err := c.fun(ctx, client)
			require.Error(t, err)
			assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
			assert.Less(t, int64(time.Since(start)), int64(publishTimeout))
		})
	}
}

type chanObserver struct {
	downlinks chan radio.Downlink
	datarates chan radio.Datarate
}

func (o *chanObserver) OnDownlink(d radio.Downlink)  { o.downlinks <- d }
func (o *chanObserver) OnDatarate(dr radio.Datarate) { o.datarates <- dr }

func TestEvents(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	c := startClient(t, mock)
	o := &chanObserver{downlinks: make(chan radio.Downlink, 1), datarates: make(chan radio.Datarate, 1)}
	c.SetDownlinkObserver(o)
	c.SetDatarateObserver(o)

	mock.deliver(t, "bench/dev1/down", downlink{Port: 2, Pending: true, RSSI: -97, SNR: 7, Payload: []byte{1, 2}})
	assert.Equal(t, radio.Downlink{Port: 2, Pending: true, RSSI: -97, SNR: 7, Payload: []byte{1, 2}}, <-o.downlinks)

	mock.deliver(t, "bench/dev1/dr", datarate{DR: 3, Next: 115, Max: 222})
	assert.Equal(t, radio.Datarate(3), <-o.datarates)
	next, max := c.PayloadSizes()
	assert.Equal(t, 115, next)
	assert.Equal(t, 222, max)
}

func TestClose(t *testing.T) {
	t.Parallel()

	mock := newMqttMock()
	c := startClient(t, mock)
	require.NoError(t, c.Close())
	status := mock.published("bench/dev1/status")
	require.Equal(t, 2, len(status))
	assert.Equal(t, []byte{0x00}, status[1].P)
	assert.Equal(t, radio.ErrNotStarted, c.Send(context.Background(), 2, []byte{1}, radio.Unconfirmed))
}
