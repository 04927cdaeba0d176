package atmodem

import (
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
)

const (
	resetPulse = 10 * time.Millisecond
	resetBoot  = 200 * time.Millisecond
)

// gpioReset pulls modem NRST line low for resetPulse, then waits for bootloader.
func gpioReset(chipName, pinName string) error {
	pin, err := strconv.ParseUint(pinName, 10, 32)
	if err != nil {
		return errors.Annotatef(err, "reset pin=%s", pinName)
	}
	chip, err := gpio.Open(chipName, "lorawan-node")
	if err != nil {
		return errors.Annotatef(err, "gpio open chip=%s", chipName)
	}
	defer chip.Close()
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "modem-reset", uint32(pin))
	if err != nil {
		return errors.Annotatef(err, "gpio chip=%s line=%d", chipName, pin)
	}
	defer lines.Close()

	set := lines.SetFunc(uint32(pin))
	set(0)
	if err = lines.Flush(); err != nil {
		return errors.Annotate(err, "reset low")
	}
	time.Sleep(resetPulse)
	set(1)
	if err = lines.Flush(); err != nil {
		return errors.Annotate(err, "reset high")
	}
	time.Sleep(resetBoot)
	return nil
}
