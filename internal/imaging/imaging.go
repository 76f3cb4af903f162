package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
)

var (
	// ErrDecode is returned when an upload is not a supported raster image.
	ErrDecode = errors.New("imaging: unable to decode image")
	// ErrEncode is returned when an image cannot be re-encoded for transmission.
	ErrEncode = errors.New("imaging: unable to encode image")
)

// Decode reads a JPEG, PNG or GIF image and reports its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// EncodeJPEG compresses img with the encoder's default quality. A positive
// maxDimension bounds the longest side; smaller images are left untouched.
func EncodeJPEG(img image.Image, maxDimension int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrEncode)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: empty bounds", ErrEncode)
	}

	if maxDimension > 0 && (bounds.Dx() > maxDimension || bounds.Dy() > maxDimension) {
		img = resize.Thumbnail(uint(maxDimension), uint(maxDimension), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}
