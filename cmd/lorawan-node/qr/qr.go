// Provisioning QR code, LoRa Alliance TR005 format.
package qr

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brocaar/lorawan"
	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/lorawan-node/cmd/lorawan-node/subcmd"
	"github.com/temoto/lorawan-node/internal/node"
	"github.com/temoto/lorawan-node/internal/state"
)

const DefaultProfileID = "00000000"

var Mod = subcmd.Mod{Name: "qr", Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	flagset := flag.NewFlagSet("qr", flag.ContinueOnError)
	out := flagset.String("out", "-", "PNG file path, - for terminal")
	size := flagset.Int("size", 256, "PNG size in pixels")
	if err := flagset.Parse(args); err != nil {
		return errors.Annotate(err, "qr flags")
	}

	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	text, err := ProvisioningString(g.Device.Snapshot(), config.Lorawan.ProfileID)
	if err != nil {
		return err
	}
	g.Log.Infof("qr text=%s", text)
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return errors.Annotate(err, "QR")
	}
	if *out == "-" {
		_, err = io.WriteString(os.Stdout, terminalString(qr.Bitmap()))
		return err
	}
	if err = qr.WriteFile(*size, *out); err != nil {
		return errors.Annotatef(err, "QR write path=%s", *out)
	}
	g.Log.Infof("qr written path=%s", *out)
	return nil
}

// ProvisioningString returns "LW:D0:<JoinEUI>:<DevEUI>:<ProfileID>" with upper case hex.
func ProvisioningString(s node.Settings, profileID string) (string, error) {
	var joinEUI, devEUI lorawan.EUI64
	if err := joinEUI.UnmarshalText([]byte(s.JoinEUI)); err != nil {
		return "", errors.Annotatef(err, "JoinEUI='%s'", s.JoinEUI)
	}
	if err := devEUI.UnmarshalText([]byte(s.DevEUI)); err != nil {
		return "", errors.Annotatef(err, "DevEUI='%s'", s.DevEUI)
	}
	if profileID == "" {
		profileID = DefaultProfileID
	}
	if len(profileID) != 8 || strings.Trim(strings.ToUpper(profileID), "0123456789ABCDEF") != "" {
		return "", errors.NotValidf("profile_id='%s' expected 8 hex digits", profileID)
	}
	return fmt.Sprintf("LW:D0:%s:%s:%s",
		strings.ToUpper(joinEUI.String()),
		strings.ToUpper(devEUI.String()),
		strings.ToUpper(profileID)), nil
}

// terminalString draws dark modules as double width blocks.
func terminalString(bitmap [][]bool) string {
	b := strings.Builder{}
	for _, row := range bitmap {
		for _, dark := range row {
			if dark {
				b.WriteString("██")
			} else {
				b.WriteString("  ")
			}
		}
		b.WriteRune('\n')
	}
	return b.String()
}
