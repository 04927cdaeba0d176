package state

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/hardware/radio"
	"github.com/temoto/lorawan-node/helpers"
	"github.com/temoto/lorawan-node/internal/node"
	"github.com/temoto/lorawan-node/log2"
)

const (
	RadioDriverAT   = "at"
	RadioDriverMQTT = "mqtt"
	RadioDriverMock = "mock"

	DefaultBaud           = 115200
	DefaultJoinTimeoutSec = 30
	DefaultPersistRoot    = "./tmp-lorawan-node-db"
	DefaultMQTTTopic      = "lorawan-node"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device struct {
		EUI string `hcl:"eui"`
		// ID defaults to upper case EUI
		ID string `hcl:"id"`
	}
	Lorawan struct {
		JoinEUI  string `hcl:"join_eui"`
		AppKey   string `hcl:"app_key"`
		DevNonce uint32 `hcl:"dev_nonce"`
		// TR005 profile id for provisioning QR, 4 hex digits VendorID + 4 hex digits VendorProfileID
		ProfileID string `hcl:"profile_id"`
		// backoff overrides, seconds
		BackoffMinSec    int  `hcl:"backoff_min_sec"`
		BackoffMaxSec    int  `hcl:"backoff_max_sec"`
		BackoffJitterSec int  `hcl:"backoff_jitter_sec"`
		BackoffNoJitter  bool `hcl:"backoff_no_jitter"`
	}
	Radio struct {
		Driver         string `hcl:"driver"`
		Device         string `hcl:"device"`
		Baud           int    `hcl:"baud"`
		ResetPinChip   string `hcl:"reset_pin_chip"`
		ResetPin       string `hcl:"reset_pin"`
		JoinTimeoutSec int    `hcl:"join_timeout_sec"`
		LogDebug       bool   `hcl:"log_debug"`
		MQTT           struct {
			Broker   string `hcl:"broker"`
			ClientID string `hcl:"client_id"`
			Username string `hcl:"username"`
			Password string `hcl:"password"`
			Topic    string `hcl:"topic"`
		} `hcl:"mqtt"`
	}
	Telemetry struct {
		PeriodSec int `hcl:"period_sec"`
		MaxLen    int `hcl:"max_len"`
	}
	Persist struct {
		Root    string `hcl:"root"`
		Disable bool   `hcl:"disable"`
	}
	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) Settings() node.Settings {
	return node.Settings{
		DevEUI:   strings.TrimSpace(c.Device.EUI),
		DeviceID: c.Device.ID,
		JoinEUI:  strings.TrimSpace(c.Lorawan.JoinEUI),
		AppKey:   strings.TrimSpace(c.Lorawan.AppKey),
		DevNonce: c.Lorawan.DevNonce,
	}
}

func (c *Config) Backoff() *helpers.Backoff {
	b := &helpers.Backoff{
		Min:    helpers.IntSecondDefault(c.Lorawan.BackoffMinSec, helpers.DefaultBackoffMin),
		Max:    helpers.IntSecondDefault(c.Lorawan.BackoffMaxSec, helpers.DefaultBackoffMax),
		Jitter: helpers.IntSecondDefault(c.Lorawan.BackoffJitterSec, helpers.DefaultBackoffJitter),
	}
	if c.Lorawan.BackoffNoJitter {
		b.Jitter = helpers.NoJitter
	}
	return b
}

func (c *Config) PublishPeriod() time.Duration {
	return helpers.IntSecondDefault(c.Telemetry.PeriodSec, node.DefaultPublishPeriod)
}

func (c *Config) MaxLen() int {
	if c.Telemetry.MaxLen <= 0 {
		return radio.DefaultMaxPayload
	}
	return c.Telemetry.MaxLen
}

func (c *Config) JoinTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Radio.JoinTimeoutSec, DefaultJoinTimeoutSec*time.Second)
}

// Validate checks values which can not be fixed by defaults.
// Credentials are not validated here, bad credentials are join failures.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	switch c.Radio.Driver {
	case RadioDriverAT:
		if c.Radio.Device == "" {
			errs = append(errs, errors.NotValidf("config: radio.device=empty with driver=%s", c.Radio.Driver))
		}
		if c.Radio.Baud < 0 {
			errs = append(errs, errors.NotValidf("config: radio.baud=%d", c.Radio.Baud))
		}
	case RadioDriverMQTT:
		if c.Radio.MQTT.Broker == "" {
			errs = append(errs, errors.NotValidf("config: radio.mqtt.broker=empty"))
		}
	case RadioDriverMock:
	case "":
		errs = append(errs, errors.NotValidf("config: radio.driver=empty (at|mqtt|mock)"))
	default:
		errs = append(errs, errors.NotSupportedf("config: radio.driver=%s", c.Radio.Driver))
	}
	if c.Device.EUI == "" {
		errs = append(errs, errors.NotValidf("config: device.eui=empty"))
	}
	if c.Telemetry.PeriodSec < 0 {
		errs = append(errs, errors.NotValidf("config: telemetry.period_sec=%d", c.Telemetry.PeriodSec))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content may contain app_key, do not log it
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
