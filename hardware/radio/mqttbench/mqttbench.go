// Package mqttbench is radio driver for bench and HIL tests.
// Join, uplink, downlink and datarate events are tunneled over MQTT
// to network simulator. Messages are CBOR maps, topics under <topic>/<device id>/:
//
//	join         device -> sim   joinRequest
//	join/result  sim -> device   joinResult
//	up           device -> sim   uplink
//	down         sim -> device   downlink
//	dr           sim -> device   datarate
//	status       device -> sim   retained 0x01 online, 0x00 will
package mqttbench

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/log2"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultJoinTimeout    = 30 * time.Second
	publishTimeout        = 5 * time.Second
)

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	DeviceID       string
	ConnectTimeout time.Duration
	JoinTimeout    time.Duration
}

type joinRequest struct {
	DevEUI   string `cbor:"dev_eui"`
	JoinEUI  string `cbor:"join_eui"`
	DevNonce uint32 `cbor:"dev_nonce"`
}

type joinResult struct {
	OK   bool `cbor:"ok"`
	Code int  `cbor:"code,omitempty"`
}

type uplink struct {
	Port      uint8  `cbor:"port"`
	Confirmed bool   `cbor:"confirmed"`
	Payload   []byte `cbor:"payload"`
}

type downlink struct {
	Port    uint8  `cbor:"port"`
	Pending bool   `cbor:"pending,omitempty"`
	RSSI    int16  `cbor:"rssi"`
	SNR     int8   `cbor:"snr"`
	Payload []byte `cbor:"payload,omitempty"`
}

type datarate struct {
	DR   uint8 `cbor:"dr"`
	Next int   `cbor:"next"`
	Max  int   `cbor:"max"`
}

type NewClientFunc func(*mqtt.ClientOptions) mqtt.Client

type Client struct {
	log       *log2.Log
	config    Config
	newClient NewClientFunc
	m         mqtt.Client

	topicJoin       string
	topicJoinResult string
	topicUp         string
	topicDown       string
	topicDatarate   string
	topicStatus     string

	joinCh  chan error
	started uint32

	next, max int32

	obslk    sync.Mutex
	downlink radio.DownlinkObserver
	datarate radio.DatarateObserver
}

var _ radio.Radio = &Client{} // compile-time interface test

func New(log *log2.Log, config Config) *Client {
	return NewWithClient(log, config, mqtt.NewClient)
}

func NewWithClient(log *log2.Log, config Config, newClient NewClientFunc) *Client {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.JoinTimeout == 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	prefix := strings.TrimSuffix(config.Topic, "/") + "/" + config.DeviceID
	return &Client{
		log:             log,
		config:          config,
		newClient:       newClient,
		topicJoin:       prefix + "/join",
		topicJoinResult: prefix + "/join/result",
		topicUp:         prefix + "/up",
		topicDown:       prefix + "/down",
		topicDatarate:   prefix + "/dr",
		topicStatus:     prefix + "/status",
		joinCh:          make(chan error, 1),
		next:            radio.DefaultMaxPayload,
		max:             radio.DefaultMaxPayload,
	}
}

func (self *Client) Start(ctx context.Context) error {
	if atomic.LoadUint32(&self.started) == 1 {
		return nil
	}
	loggerOnce.Do(func() {
		mqtt.ERROR = logger{self.log, log2.LError}
		mqtt.CRITICAL = logger{self.log, log2.LError}
		mqtt.WARN = logger{self.log, log2.LInfo}
	})

	mopt := mqtt.NewClientOptions().
		AddBroker(self.config.Broker).
		SetClientID(self.config.ClientID).
		SetUsername(self.config.Username).
		SetPassword(self.config.Password).
		SetBinaryWill(self.topicStatus, []byte{0x00}, 1, true).
		SetCleanSession(true).
		SetConnectTimeout(self.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	self.m = self.newClient(mopt)

	if err := self.wait(ctx, self.m.Connect(), self.config.ConnectTimeout); err != nil {
		return errors.Annotatef(radio.ErrNotReady, "mqtt broker=%s err=%v", self.config.Broker, err)
	}
	atomic.StoreUint32(&self.started, 1)
	return nil
}

// Subscriptions are restored on every connect, clean session.
func (self *Client) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connected broker=%s", self.config.Broker)
	subs := map[string]mqtt.MessageHandler{
		self.topicJoinResult: self.onJoinResult,
		self.topicDown:       self.onDownlink,
		self.topicDatarate:   self.onDatarate,
	}
	for topic, handler := range subs {
		if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			self.log.Errorf("mqtt subscribe topic=%s err=%v", topic, token.Error())
		}
	}
	c.Publish(self.topicStatus, 1, true, []byte{0x01})
}

func (self *Client) connectLostHandler(c mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *Client) Join(ctx context.Context, req radio.JoinRequest) error {
	if atomic.LoadUint32(&self.started) == 0 {
		return radio.ErrNotStarted
	}
	b, err := cbor.Marshal(joinRequest{
		DevEUI:   helpers.HexUpper(req.DevEUI[:]),
		JoinEUI:  helpers.HexUpper(req.JoinEUI[:]),
		DevNonce: req.DevNonce,
	})
	if err != nil {
		return errors.Annotate(err, "join encode")
	}
	select {
	case <-self.joinCh:
	default:
	}
	if err = self.wait(ctx, self.m.Publish(self.topicJoin, 1, false, b), publishTimeout); err != nil {
		return errors.Annotate(err, "join publish")
	}

	tmr := time.NewTimer(self.config.JoinTimeout)
	defer tmr.Stop()
	select {
	case err = <-self.joinCh:
		return err
	case <-tmr.C:
		return radio.ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Client) Send(ctx context.Context, port uint8, payload []byte, mode radio.SendMode) error {
	if atomic.LoadUint32(&self.started) == 0 {
		return radio.ErrNotStarted
	}
	if _, max := self.PayloadSizes(); len(payload) > max {
		return &radio.SendError{Code: -90, Reason: fmt.Sprintf("payload len=%d max=%d", len(payload), max)}
	}
	b, err := cbor.Marshal(uplink{Port: port, Confirmed: mode == radio.Confirmed, Payload: payload})
	if err != nil {
		return errors.Annotate(err, "uplink encode")
	}
	qos := byte(0)
	if mode == radio.Confirmed {
		qos = 1
	}
	if err = self.wait(ctx, self.m.Publish(self.topicUp, qos, false, b), publishTimeout); err != nil {
		return &radio.SendError{Code: -5, Reason: err.Error()}
	}
	return nil
}

func (self *Client) PayloadSizes() (next, max int) {
	return int(atomic.LoadInt32(&self.next)), int(atomic.LoadInt32(&self.max))
}

func (self *Client) SetDownlinkObserver(o radio.DownlinkObserver) {
	self.obslk.Lock()
	self.downlink = o
	self.obslk.Unlock()
}

func (self *Client) SetDatarateObserver(o radio.DatarateObserver) {
	self.obslk.Lock()
	self.datarate = o
	self.obslk.Unlock()
}

func (self *Client) Close() error {
	if !atomic.CompareAndSwapUint32(&self.started, 1, 0) {
		return nil
	}
	self.m.Publish(self.topicStatus, 1, true, []byte{0x00}).WaitTimeout(time.Second)
	self.m.Disconnect(250)
	return nil
}

func (self *Client) onJoinResult(c mqtt.Client, msg mqtt.Message) {
	var r joinResult
	if err := cbor.Unmarshal(msg.Payload(), &r); err != nil {
		self.log.Errorf("mqtt topic=%s decode err=%v", msg.Topic(), err)
		return
	}
	var err error
	if !r.OK {
		const codeTimeout = -110
		reason := "rejected"
		if r.Code == codeTimeout {
			reason = "timeout"
		}
		err = radio.NewJoinError(r.Code, reason, r.Code == codeTimeout)
	}
	select {
	case self.joinCh <- err:
	default:
		self.log.Errorf("mqtt join result dropped err=%v", err)
	}
}

func (self *Client) onDownlink(c mqtt.Client, msg mqtt.Message) {
	var d downlink
	if err := cbor.Unmarshal(msg.Payload(), &d); err != nil {
		self.log.Errorf("mqtt topic=%s decode err=%v", msg.Topic(), err)
		return
	}
	self.obslk.Lock()
	o := self.downlink
	self.obslk.Unlock()
	if o != nil {
		o.OnDownlink(radio.Downlink{Port: d.Port, Pending: d.Pending, RSSI: d.RSSI, SNR: d.SNR, Payload: d.Payload})
	}
}

func (self *Client) onDatarate(c mqtt.Client, msg mqtt.Message) {
	var dr datarate
	if err := cbor.Unmarshal(msg.Payload(), &dr); err != nil {
		self.log.Errorf("mqtt topic=%s decode err=%v", msg.Topic(), err)
		return
	}
	atomic.StoreInt32(&self.next, int32(dr.Next))
	atomic.StoreInt32(&self.max, int32(dr.Max))
	self.obslk.Lock()
	o := self.datarate
	self.obslk.Unlock()
	if o != nil {
		o.OnDatarate(radio.Datarate(dr.DR))
	}
}

func (self *Client) wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-tmr.C:
		return errors.Timeoutf("mqtt")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// paho loggers are package globals
var loggerOnce sync.Once

// logger adapts log2 to paho logger interface.
type logger struct {
	log   *log2.Log
	level log2.Level
}

func (l logger) Println(v ...interface{}) {
	l.log.Log(l.level, "mqtt: "+strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l logger) Printf(format string, v ...interface{}) {
	l.log.Logf(l.level, "mqtt: "+format, v...)
}
