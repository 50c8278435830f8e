// Package face detects, crops and embeds faces for similarity comparison.
package face

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrNoFaceDetected indicates the image contains no detectable face.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrAmbiguousFace indicates the image contains more than one face.
	ErrAmbiguousFace = errors.New("more than one face detected")
	// ErrModelUnavailable indicates the backing model could not be loaded.
	ErrModelUnavailable = errors.New("face model unavailable")
	// ErrUnreadableImage indicates the input could not be decoded as a raster image.
	ErrUnreadableImage = errors.New("unreadable image")
	// ErrIncomparable indicates two embeddings came from different embedder configurations.
	ErrIncomparable = errors.New("embeddings are not comparable")
)

// Crop is a rectangular sub-image holding exactly one face.
type Crop struct {
	// Image is the cropped pixels; its bounds may not start at the origin.
	Image image.Image
	// Region is the crop rectangle in source image coordinates.
	Region image.Rectangle
	// Source names the image the crop was derived from (path or URL).
	Source string
}

// Embedding is a fixed-length identity vector for one face.
type Embedding struct {
	Vector []float32 `json:"embedding"`
	// Model identifies the embedder configuration that produced Vector.
	Model string `json:"model"`
}

// Dimensions returns the vector length.
func (e Embedding) Dimensions() int {
	return len(e.Vector)
}

// Comparable reports whether e and other were produced by the same embedder.
func (e Embedding) Comparable(other Embedding) bool {
	return e.Model == other.Model && len(e.Vector) == len(other.Vector) && len(e.Vector) > 0
}

// Detector locates faces in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// Embedder turns a face crop into an embedding.
type Embedder interface {
	Embed(ctx context.Context, crop Crop) (Embedding, error)
}
