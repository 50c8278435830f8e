// Package dlib binds the face Detector and Embedder to dlib via go-face.
// It requires cgo and the dlib shared libraries at build time.
package dlib

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	goface "github.com/Kagami/go-face"

	"github.com/JakeFAU/facetrace/internal/face"
)

// ModelName identifies embeddings produced by the dlib ResNet descriptor model.
const ModelName = "dlib_face_recognition_resnet_model_v1"

const defaultJPEGQuality = 95

// recognizer is the subset of the dlib binding used by Model.
type recognizer interface {
	Recognize(imgData []byte) ([]goface.Face, error)
	Close()
}

// Model is the process-wide dlib detector and descriptor extractor.
// Load it once with LoadModel and share it; it is safe for concurrent use.
type Model struct {
	mu      sync.Mutex
	rec     recognizer
	quality int
}

// LoadModel loads the dlib models from dir. The directory must contain
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat.
func LoadModel(dir string) (*Model, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: model directory is not configured", face.ErrModelUnavailable)
	}
	rec, err := goface.NewRecognizer(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", face.ErrModelUnavailable, dir, err)
	}
	return newModel(rec), nil
}

func newModel(rec recognizer) *Model {
	return &Model{rec: rec, quality: defaultJPEGQuality}
}

// Close releases the native model resources.
func (m *Model) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		m.rec.Close()
		m.rec = nil
	}
}

// Detect returns the bounding boxes of all faces in img.
func (m *Model) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	faces, err := m.recognize(ctx, img)
	if err != nil {
		return nil, err
	}
	offset := img.Bounds().Min
	rects := make([]image.Rectangle, 0, len(faces))
	for _, f := range faces {
		rects = append(rects, f.Rectangle.Add(offset))
	}
	return rects, nil
}

// Embed computes the 128-d descriptor of the face in crop. When the crop
// margin admits part of a neighbouring face, the largest face wins.
func (m *Model) Embed(ctx context.Context, crop face.Crop) (face.Embedding, error) {
	if crop.Image == nil {
		return face.Embedding{}, fmt.Errorf("%w: empty crop", face.ErrUnreadableImage)
	}
	faces, err := m.recognize(ctx, crop.Image)
	if err != nil {
		return face.Embedding{}, err
	}
	if len(faces) == 0 {
		return face.Embedding{}, fmt.Errorf("%w in crop of %s", face.ErrNoFaceDetected, crop.Source)
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if area(f.Rectangle) > area(best.Rectangle) {
			best = f
		}
	}
	vec := make([]float32, len(best.Descriptor))
	copy(vec, best.Descriptor[:])
	return face.Embedding{Vector: vec, Model: ModelName}, nil
}

func (m *Model) recognize(ctx context.Context, img image.Image) ([]goface.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("recognize canceled: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, fmt.Errorf("%w: model closed", face.ErrModelUnavailable)
	}
	faces, err := m.rec.Recognize(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}
	return faces, nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
