package wa

import (
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 256

// PairingArtifact is the code a user scans to link a device to a session.
type PairingArtifact struct {
	SessionID string
	Code      string
	IssuedAt  time.Time
}

// PNG renders the pairing code as a QR image.
func (p PairingArtifact) PNG(size int) ([]byte, error) {
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := qrcode.Encode(p.Code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
