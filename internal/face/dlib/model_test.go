package dlib

import (
	"context"
	"errors"
	"image"
	"os"
	"testing"

	goface "github.com/Kagami/go-face"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/facetrace/internal/face"
)

type fakeRecognizer struct {
	faces  []goface.Face
	err    error
	closed bool
	inputs [][]byte
}

func (f *fakeRecognizer) Recognize(data []byte) ([]goface.Face, error) {
	f.inputs = append(f.inputs, data)
	return f.faces, f.err
}

func (f *fakeRecognizer) Close() {
	f.closed = true
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	return img
}

func descriptor(v float32) goface.Descriptor {
	var d goface.Descriptor
	for i := range d {
		d[i] = v
	}
	return d
}

func TestModelDetectOffsetsSubImages(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{faces: []goface.Face{{Rectangle: image.Rect(1, 2, 11, 12)}}}
	m := newModel(rec)

	sub := testImage(40, 40).SubImage(image.Rect(5, 5, 30, 30))
	rects, err := m.Detect(context.Background(), sub)
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, image.Rect(6, 7, 16, 17), rects[0])
	require.Len(t, rec.inputs, 1)
	assert.NotEmpty(t, rec.inputs[0])
}

func TestModelEmbedPicksLargestFace(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{faces: []goface.Face{
		{Rectangle: image.Rect(0, 0, 5, 5), Descriptor: descriptor(0.1)},
		{Rectangle: image.Rect(0, 0, 20, 20), Descriptor: descriptor(0.7)},
	}}
	m := newModel(rec)

	got, err := m.Embed(context.Background(), face.Crop{Image: testImage(20, 20), Source: "crop"})
	require.NoError(t, err)
	assert.Equal(t, ModelName, got.Model)
	assert.Equal(t, 128, got.Dimensions())
	assert.InDelta(t, 0.7, got.Vector[0], 1e-6)
}

func TestModelEmbedErrors(t *testing.T) {
	t.Parallel()

	m := newModel(&fakeRecognizer{})
	_, err := m.Embed(context.Background(), face.Crop{Image: testImage(8, 8)})
	require.ErrorIs(t, err, face.ErrNoFaceDetected)

	_, err = m.Embed(context.Background(), face.Crop{})
	require.ErrorIs(t, err, face.ErrUnreadableImage)

	boom := errors.New("dlib exploded")
	m = newModel(&fakeRecognizer{err: boom})
	_, err = m.Embed(context.Background(), face.Crop{Image: testImage(8, 8)})
	require.ErrorIs(t, err, boom)
}

func TestModelCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{}
	m := newModel(rec)
	m.Close()
	m.Close()
	assert.True(t, rec.closed)

	_, err := m.Detect(context.Background(), testImage(4, 4))
	require.ErrorIs(t, err, face.ErrModelUnavailable)
}

func TestLoadModelMissingDirectory(t *testing.T) {
	t.Parallel()

	_, err := LoadModel("")
	require.ErrorIs(t, err, face.ErrModelUnavailable)
}

func TestLoadModelFromEnvironment(t *testing.T) {
	dir := os.Getenv("FACETRACE_TEST_MODEL_DIR")
	if dir == "" {
		t.Skip("FACETRACE_TEST_MODEL_DIR not set; skipping dlib model test")
	}
	m, err := LoadModel(dir)
	require.NoError(t, err)
	defer m.Close()

	rects, err := m.Detect(context.Background(), testImage(64, 64))
	require.NoError(t, err)
	assert.Empty(t, rects)
}
