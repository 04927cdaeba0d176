package helpers

import (
	"encoding/hex"
	"strings"
)

// HexUpper is how identifiers are shown to humans and QR scanners.
func HexUpper(b []byte) string { return strings.ToUpper(hex.EncodeToString(b)) }
