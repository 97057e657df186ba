package motion

import (
	"image"
	"image/color"
)

// BoundingBox represents detected motion area coordinates
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// Config tunes frame-difference motion detection
type Config struct {
	// PixelThreshold is the minimum luminance change (0-255) for a pixel to count as changed
	PixelThreshold uint8
	// MinArea is the minimum changed area, in pixels, for motion to be reported
	MinArea int
	// Sensitivity is the minimum ratio of changed pixels
	Sensitivity float64
	// SampleStep compares every Nth pixel in both directions
	SampleStep int
}

// DefaultConfig returns the detection defaults
func DefaultConfig() Config {
	return Config{
		PixelThreshold: 30,
		MinArea:        500,
		Sensitivity:    0.002,
		SampleStep:     2,
	}
}

// Result describes the outcome of comparing two frames
type Result struct {
	Motion      bool        `json:"motion"`
	Confidence  float64     `json:"confidence"`
	ChangeRatio float64     `json:"change_ratio"`
	ChangedArea int         `json:"changed_area"`
	Box         BoundingBox `json:"bbox"`
}

// Detector compares consecutive frames for changes in luminance
type Detector struct {
	cfg Config
}

// NewDetector creates a detector, filling unset fields from DefaultConfig
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.PixelThreshold == 0 {
		cfg.PixelThreshold = def.PixelThreshold
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = def.MinArea
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.SampleStep <= 0 {
		cfg.SampleStep = def.SampleStep
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective configuration
func (d *Detector) Config() Config {
	return d.cfg
}

// Compare reports whether cur differs enough from prev to count as motion.
// Frames of different sizes never match.
func (d *Detector) Compare(prev, cur image.Image) Result {
	if prev == nil || cur == nil {
		return Result{}
	}
	pb := prev.Bounds()
	cb := cur.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() || pb.Empty() {
		return Result{}
	}

	prevLuma := lumaFunc(prev)
	curLuma := lumaFunc(cur)

	width, height := cb.Dx(), cb.Dy()
	step := d.cfg.SampleStep
	threshold := int(d.cfg.PixelThreshold)

	var changed, sampled int
	minX, minY := width, height
	maxX, maxY := -1, -1

	for y := 0; y < height; y += step {
		for x := 0; x < width; x += step {
			diff := int(prevLuma(pb.Min.X+x, pb.Min.Y+y)) - int(curLuma(cb.Min.X+x, cb.Min.Y+y))
			if diff < 0 {
				diff = -diff
			}
			sampled++
			if diff <= threshold {
				continue
			}
			changed++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if sampled == 0 {
		return Result{}
	}

	ratio := float64(changed) / float64(sampled)
	res := Result{
		ChangeRatio: ratio,
		ChangedArea: changed * step * step,
	}
	if changed == 0 || ratio < d.cfg.Sensitivity || res.ChangedArea < d.cfg.MinArea {
		return res
	}

	res.Motion = true
	res.Box = BoundingBox{
		X:      minX,
		Y:      minY,
		Width:  maxX - minX + step,
		Height: maxY - minY + step,
	}
	res.Confidence = ratio * 3
	if res.Confidence > 1.0 {
		res.Confidence = 1.0
	}
	return res
}

// lumaFunc returns a fast luminance accessor for common image types
func lumaFunc(img image.Image) func(x, y int) uint8 {
	switch m := img.(type) {
	case *image.Gray:
		return func(x, y int) uint8 { return m.GrayAt(x, y).Y }
	case *image.YCbCr:
		return func(x, y int) uint8 { return m.Y[m.YOffset(x, y)] }
	case *image.RGBA:
		return func(x, y int) uint8 {
			i := m.PixOffset(x, y)
			p := m.Pix[i : i+3 : i+3]
			return rgbLuma(uint32(p[0]), uint32(p[1]), uint32(p[2]))
		}
	default:
		return func(x, y int) uint8 {
			return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
		}
	}
}

func rgbLuma(r, g, b uint32) uint8 {
	return uint8((299*r + 587*g + 114*b) / 1000)
}
