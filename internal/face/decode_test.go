package face

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 80, A: 255})
		}
	}
	return img
}

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	encoders := map[string]func(*bytes.Buffer, image.Image) error{
		"png": func(b *bytes.Buffer, m image.Image) error { return png.Encode(b, m) },
		"bmp": func(b *bytes.Buffer, m image.Image) error { return bmp.Encode(b, m) },
	}
	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			require.NoError(t, encode(&buf, solid(6, 4)))
			img, err := Decode(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 6, 4), img.Bounds())
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrUnreadableImage)
	_, err = Decode([]byte("not an image"))
	require.ErrorIs(t, err, ErrUnreadableImage)
}
