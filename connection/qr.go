package whats

import (
	"bytes"
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
)

// RenderQR draws a pairing code as half-block characters.
func RenderQR(code string, w io.Writer) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// QRPNG encodes a pairing code as a size x size PNG.
func QRPNG(code string, size int) ([]byte, error) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return nil, errors.Wrap(err, "create qr code")
	}
	var png bytes.Buffer
	if err := qr.Write(size, &png); err != nil {
		return nil, errors.Wrap(err, "encode qr png")
	}
	return png.Bytes(), nil
}
