package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// QRRenderer turns a raw pairing payload into something a front end can show.
type QRRenderer func(code string) (string, error)

// PNGDataURL renders code as a 256px PNG QR image wrapped in a data URL.
func PNGDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
