package face

import (
	"bytes"
	"fmt"
	"image"
	"os"

	// Registered decoders for thumbnails served by image search providers.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Decode decodes JPEG, PNG, GIF, BMP or WebP bytes.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnreadableImage)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	return img, nil
}

// DecodeFile reads and decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	// #nosec G304 -- callers pass operator-supplied or downloader-owned paths.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreadableImage, path, err)
	}
	return Decode(data)
}
