package face

import (
	"context"
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"go.uber.org/zap"
)

// PreprocessConfig controls denoising and crop geometry.
type PreprocessConfig struct {
	// DenoiseRadius is the median filter radius in pixels; 0 disables denoising.
	DenoiseRadius float64
	// CropMargin grows the detected face box by this fraction of its size on each side.
	CropMargin float64
}

// Preprocessor denoises an image and crops its single face.
type Preprocessor struct {
	detector Detector
	cfg      PreprocessConfig
	logger   *zap.Logger
}

// NewPreprocessor builds a Preprocessor around a long-lived detector.
func NewPreprocessor(detector Detector, cfg PreprocessConfig, logger *zap.Logger) (*Preprocessor, error) {
	if detector == nil {
		return nil, fmt.Errorf("face detector is required")
	}
	if cfg.DenoiseRadius < 0 {
		return nil, fmt.Errorf("denoise radius must be >= 0")
	}
	if cfg.CropMargin < 0 {
		return nil, fmt.Errorf("crop margin must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preprocessor{detector: detector, cfg: cfg, logger: logger}, nil
}

// PrepareFile decodes the file at path and prepares its face crop.
func (p *Preprocessor) PrepareFile(ctx context.Context, path string) (Crop, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return Crop{}, err
	}
	return p.Prepare(ctx, img, path)
}

// Prepare denoises img and returns the crop around its only face.
// It fails with ErrNoFaceDetected or ErrAmbiguousFace unless exactly one face is found.
func (p *Preprocessor) Prepare(ctx context.Context, img image.Image, source string) (Crop, error) {
	if img == nil || img.Bounds().Empty() {
		return Crop{}, fmt.Errorf("%w: empty image %s", ErrUnreadableImage, source)
	}
	if err := ctx.Err(); err != nil {
		return Crop{}, fmt.Errorf("prepare canceled: %w", err)
	}

	denoised := p.denoise(img)
	rects, err := p.detector.Detect(ctx, denoised)
	if err != nil {
		return Crop{}, fmt.Errorf("detect faces in %s: %w", source, err)
	}

	bounds := denoised.Bounds()
	faces := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		if r = r.Intersect(bounds); !r.Empty() {
			faces = append(faces, r)
		}
	}
	switch len(faces) {
	case 0:
		return Crop{}, fmt.Errorf("%w in %s", ErrNoFaceDetected, source)
	case 1:
	default:
		return Crop{}, fmt.Errorf("%w in %s: found %d", ErrAmbiguousFace, source, len(faces))
	}

	region := p.expand(faces[0], bounds)
	p.logger.Debug("face located",
		zap.String("source", source),
		zap.Stringer("face", faces[0]),
		zap.Stringer("region", region),
	)
	return Crop{
		Image:  transform.Crop(denoised, region),
		Region: region,
		Source: source,
	}, nil
}

func (p *Preprocessor) denoise(img image.Image) image.Image {
	if p.cfg.DenoiseRadius <= 0 {
		return img
	}
	return effect.Median(img, p.cfg.DenoiseRadius)
}

func (p *Preprocessor) expand(r, bounds image.Rectangle) image.Rectangle {
	mx := int(float64(r.Dx()) * p.cfg.CropMargin)
	my := int(float64(r.Dy()) * p.cfg.CropMargin)
	grown := image.Rect(r.Min.X-mx, r.Min.Y-my, r.Max.X+mx, r.Max.Y+my)
	return grown.Intersect(bounds)
}
