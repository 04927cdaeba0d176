// Package atmodem drives LoRaWAN modem with AT command set over UART.
// Modem owns MAC stack: commands are acknowledged with OK or +ERR:<code>,
// asynchronous events arrive as +EVT lines:
//
//	+EVT:JOINED
//	+EVT:JOIN_FAILED:<code>
//	+EVT:RX:<port>:<pending 0|1>:<rssi>:<snr>:<hex payload>
//	+EVT:DR:<datarate>:<next max payload>:<max payload>
package atmodem

import (
	"bufio"
	"context"
	"encoding/hex"
	"expvar"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/log2"
)

const (
	DefaultCommandTimeout = 2 * time.Second
	DefaultJoinTimeout    = 30 * time.Second
	DefaultReadyRetries   = 5
	readyTimeout          = 500 * time.Millisecond

	eventPrefix = "+EVT:"
	errorPrefix = "+ERR:"
	// modem reports join timeout with -ETIMEDOUT
	codeTimeout = -110
)

// UART traffic, all modems in process
var (
	statRxBytes = expvar.NewInt("atmodem_rx_bytes")
	statTxBytes = expvar.NewInt("atmodem_tx_bytes")
)

type Config struct {
	Device         string
	Baud           int
	ResetPinChip   string
	ResetPin       string
	JoinTimeout    time.Duration
	CommandTimeout time.Duration
	ReadyRetries   int
}

// CommandError is +ERR:<code> or ERROR response.
type CommandError struct {
	Cmd  string
	Code int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("modem cmd=%s error code=%d", e.Cmd, e.Code)
}

type Modem struct {
	log    *log2.Log
	config Config
	open   func() (io.ReadWriteCloser, error)
	reset  func() error

	cmdlk      sync.Mutex // one command in flight
	portlk     sync.Mutex
	port       io.ReadWriteCloser
	respCh     chan string
	readerDone chan struct{}
	joinCh     chan error
	started    uint32
	closed     uint32

	next, max int32

	obslk    sync.Mutex
	downlink radio.DownlinkObserver
	datarate radio.DatarateObserver
}

var _ radio.Radio = &Modem{} // compile-time interface test

func New(log *log2.Log, config Config) *Modem {
	self := NewWithPort(log, config, nil)
	self.open = func() (io.ReadWriteCloser, error) {
		return openUart(self.config.Device, self.config.Baud)
	}
	if config.ResetPinChip != "" && config.ResetPin != "" {
		self.reset = func() error { return gpioReset(config.ResetPinChip, config.ResetPin) }
	}
	return self
}

// NewWithPort uses already open port, for tests and non-UART transports.
func NewWithPort(log *log2.Log, config Config, port io.ReadWriteCloser) *Modem {
	if config.JoinTimeout == 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.ReadyRetries == 0 {
		config.ReadyRetries = DefaultReadyRetries
	}
	return &Modem{
		log:    log,
		config: config,
		open:   func() (io.ReadWriteCloser, error) { return port, nil },
		joinCh: make(chan error, 1),
		next:   radio.DefaultMaxPayload,
		max:    radio.DefaultMaxPayload,
	}
}

func (self *Modem) Start(ctx context.Context) error {
	if atomic.LoadUint32(&self.started) == 1 {
		return nil
	}
	if atomic.LoadUint32(&self.closed) == 1 {
		return errors.Errorf("modem device=%s closed", self.config.Device)
	}
	if self.reset != nil {
		if err := self.reset(); err != nil {
			return errors.Annotate(err, "modem reset")
		}
	}
	port, err := self.open()
	if err != nil {
		return errors.Annotatef(err, "modem open device=%s", self.config.Device)
	}
	respCh := make(chan string, 32)
	done := make(chan struct{})
	self.portlk.Lock()
	self.port, self.respCh, self.readerDone = port, respCh, done
	self.portlk.Unlock()
	go self.readLoop(helpers.NewStatReader(port, statRxBytes, 0), respCh, done)

	if err = self.waitReady(ctx); err != nil {
		_ = self.Close()
		return err
	}
	if _, err = self.Command(ctx, "AT+START"); err != nil {
		_ = self.Close()
		return errors.Annotate(err, "lorawan stack start")
	}
	atomic.StoreUint32(&self.started, 1)
	self.refreshSizes(ctx)
	return nil
}

func (self *Modem) waitReady(ctx context.Context) error {
	for i := 1; i <= self.config.ReadyRetries; i++ {
		_, err := self.command(ctx, "AT", readyTimeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		self.log.Debugf("modem not ready try=%d err=%v", i, err)
	}
	return errors.Annotatef(radio.ErrNotReady, "device=%s", self.config.Device)
}

func (self *Modem) Join(ctx context.Context, req radio.JoinRequest) error {
	if atomic.LoadUint32(&self.started) == 0 {
		return radio.ErrNotStarted
	}
	setup := []string{
		"AT+DEVEUI=" + helpers.HexUpper(req.DevEUI[:]),
		"AT+JOINEUI=" + helpers.HexUpper(req.JoinEUI[:]),
		"AT+APPKEY=" + helpers.HexUpper(req.AppKey[:]),
		"AT+NWKKEY=" + helpers.HexUpper(req.NwkKey[:]),
		"AT+DEVNONCE=" + strconv.FormatUint(uint64(req.DevNonce), 10),
	}
	for _, cmd := range setup {
		if _, err := self.Command(ctx, cmd); err != nil {
			return errors.Annotate(err, "join setup")
		}
	}
	// result of previous attempt may arrive after its timeout
	select {
	case <-self.joinCh:
	default:
	}
	if _, err := self.Command(ctx, "AT+JOIN"); err != nil {
		return errors.Annotate(err, "join")
	}

	tmr := time.NewTimer(self.config.JoinTimeout)
	defer tmr.Stop()
	select {
	case err := <-self.joinCh:
		if err == nil {
			self.refreshSizes(ctx)
		}
		return err
	case <-tmr.C:
		return radio.ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Modem) Send(ctx context.Context, port uint8, payload []byte, mode radio.SendMode) error {
	if atomic.LoadUint32(&self.started) == 0 {
		return radio.ErrNotStarted
	}
	if port == 0 || port > 223 {
		return &radio.SendError{Code: -22, Reason: fmt.Sprintf("invalid port=%d", port)}
	}
	if _, max := self.PayloadSizes(); len(payload) > max {
		return &radio.SendError{Code: -90, Reason: fmt.Sprintf("payload len=%d max=%d", len(payload), max)}
	}
	confirmed := 0
	if mode == radio.Confirmed {
		confirmed = 1
	}
	cmd := fmt.Sprintf("AT+SEND=%d:%d:%s", port, confirmed, helpers.HexUpper(payload))
	if _, err := self.Command(ctx, cmd); err != nil {
		if ce, ok := errors.Cause(err).(*CommandError); ok {
			return &radio.SendError{Code: ce.Code, Reason: "modem rejected"}
		}
		return errors.Annotate(err, "send")
	}
	return nil
}

func (self *Modem) PayloadSizes() (next, max int) {
	return int(atomic.LoadInt32(&self.next)), int(atomic.LoadInt32(&self.max))
}

func (self *Modem) SetDownlinkObserver(o radio.DownlinkObserver) {
	self.obslk.Lock()
	self.downlink = o
	self.obslk.Unlock()
}

func (self *Modem) SetDatarateObserver(o radio.DatarateObserver) {
	self.obslk.Lock()
	self.datarate = o
	self.obslk.Unlock()
}

func (self *Modem) Close() error {
	if !atomic.CompareAndSwapUint32(&self.closed, 0, 1) {
		return nil
	}
	atomic.StoreUint32(&self.started, 0)
	self.portlk.Lock()
	port, done := self.port, self.readerDone
	self.portlk.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		self.log.Errorf("modem reader did not stop")
	}
	return errors.Annotate(err, "modem close")
}

// Command sends single AT command and returns intermediate response lines.
func (self *Modem) Command(ctx context.Context, cmd string) ([]string, error) {
	return self.command(ctx, cmd, self.config.CommandTimeout)
}

func (self *Modem) command(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	self.cmdlk.Lock()
	defer self.cmdlk.Unlock()
	self.portlk.Lock()
	port, respCh := self.port, self.respCh
	self.portlk.Unlock()
	if port == nil {
		return nil, radio.ErrNotStarted
	}
	name := commandName(cmd)
	// stale response from previous timed out command
drain:
	for {
		select {
		case _, ok := <-respCh:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
	if strings.Contains(name, "KEY") {
		self.log.Debugf("modem > %s=***", name)
	} else {
		self.log.Debugf("modem > %s", cmd)
	}
	w := helpers.NewStatWriter(port, statTxBytes, 0)
	if err := helpers.WriteAll(w, []byte(cmd+"\r\n")); err != nil {
		return nil, errors.Annotatef(err, "modem write cmd=%s", name)
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	var lines []string
	for {
		select {
		case line, ok := <-respCh:
			if !ok {
				return lines, errors.Errorf("modem closed cmd=%s", name)
			}
			switch {
			case line == "OK":
				return lines, nil
			case line == "ERROR":
				return lines, &CommandError{Cmd: name, Code: -1}
			case strings.HasPrefix(line, errorPrefix):
				code, err := strconv.Atoi(line[len(errorPrefix):])
				if err != nil {
					code = -1
				}
				return lines, &CommandError{Cmd: name, Code: code}
			default:
				lines = append(lines, line)
			}
		case <-tmr.C:
			return lines, errors.Timeoutf("modem cmd=%s", name)
		case <-ctx.Done():
			return lines, ctx.Err()
		}
	}
}

func (self *Modem) refreshSizes(ctx context.Context) {
	lines, err := self.Command(ctx, "AT+PLSIZE?")
	if err != nil {
		self.log.Errorf("modem payload size query err=%v", err)
		return
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "+PLSIZE:") {
			continue
		}
		fields := strings.Split(line[len("+PLSIZE:"):], ":")
		if len(fields) != 2 {
			break
		}
		next, err1 := strconv.Atoi(fields[0])
		max, err2 := strconv.Atoi(fields[1])
		if err1 == nil && err2 == nil {
			self.setSizes(next, max)
			return
		}
	}
	self.log.Errorf("modem payload size response invalid lines=%q", lines)
}

func (self *Modem) setSizes(next, max int) {
	atomic.StoreInt32(&self.next, int32(next))
	atomic.StoreInt32(&self.max, int32(max))
}

func (self *Modem) readLoop(r io.Reader, respCh chan<- string, done chan<- struct{}) {
	defer close(done)
	defer close(respCh)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "AT"): // echo
		case strings.HasPrefix(line, eventPrefix):
			self.log.Debugf("modem < %s", line)
			self.handleEvent(line[len(eventPrefix):])
		default:
			self.log.Debugf("modem < %s", line)
			select {
			case respCh <- line:
			default:
				self.log.Errorf("modem response dropped line=%s", line)
			}
		}
	}
	if err := scanner.Err(); err != nil && atomic.LoadUint32(&self.closed) == 0 {
		self.log.Errorf("modem read err=%v", err)
	}
}

func (self *Modem) handleEvent(ev string) {
	fields := strings.Split(ev, ":")
	switch fields[0] {
	case "JOINED":
		self.joinResult(nil)

	case "JOIN_FAILED":
		code := -1
		if len(fields) >= 2 {
			if x, err := strconv.Atoi(fields[1]); err == nil {
				code = x
			}
		}
		reason := "rejected"
		if code == codeTimeout {
			reason = "timeout"
		}
		self.joinResult(radio.NewJoinError(code, reason, code == codeTimeout))

	case "RX":
		d, err := parseDownlink(fields[1:])
		if err != nil {
			self.log.Errorf("modem event=%s err=%v", ev, err)
			return
		}
		self.obslk.Lock()
		o := self.downlink
		self.obslk.Unlock()
		if o != nil {
			o.OnDownlink(d)
		}

	case "DR":
		if len(fields) != 4 {
			self.log.Errorf("modem event=%s invalid", ev)
			return
		}
		dr, err1 := strconv.ParseUint(fields[1], 10, 8)
		next, err2 := strconv.Atoi(fields[2])
		max, err3 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			self.log.Errorf("modem event=%s invalid", ev)
			return
		}
		self.setSizes(next, max)
		self.obslk.Lock()
		o := self.datarate
		self.obslk.Unlock()
		if o != nil {
			o.OnDatarate(radio.Datarate(dr))
		}

	default:
		self.log.Debugf("modem unknown event=%s", ev)
	}
}

func (self *Modem) joinResult(err error) {
	select {
	case self.joinCh <- err:
	default:
		self.log.Errorf("modem join result dropped err=%v", err)
	}
}

func parseDownlink(fields []string) (radio.Downlink, error) {
	var d radio.Downlink
	if len(fields) != 5 {
		return d, errors.NotValidf("downlink fields=%d", len(fields))
	}
	port, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return d, errors.Annotate(err, "port")
	}
	rssi, err := strconv.ParseInt(fields[2], 10, 16)
	if err != nil {
		return d, errors.Annotate(err, "rssi")
	}
	snr, err := strconv.ParseInt(fields[3], 10, 8)
	if err != nil {
		return d, errors.Annotate(err, "snr")
	}
	d.Port = uint8(port)
	d.Pending = fields[1] == "1"
	d.RSSI = int16(rssi)
	d.SNR = int8(snr)
	if fields[4] != "" {
		d.Payload, err = hex.DecodeString(fields[4])
		if err != nil {
			return d, errors.Annotate(err, "payload")
		}
	}
	return d, nil
}

func commandName(cmd string) string {
	if i := strings.IndexAny(cmd, "=?"); i != -1 {
		return cmd[:i]
	}
	return cmd
}
