package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SyntheticConfig configures the generated test pattern
type SyntheticConfig struct {
	SourceID string
	Width    int
	Height   int
	// Noise is the maximum per-pixel brightness jitter; zero disables it
	Noise int
	// Static disables the moving target
	Static bool
}

// SyntheticSource renders a moving target over a noisy background. It is
// used for demos and for running the pipeline without hardware.
type SyntheticSource struct {
	cfg SyntheticConfig

	mu        sync.Mutex
	connected bool
	seq       uint64
	rng       *rand.Rand
}

var _ FrameSource = (*SyntheticSource)(nil)

// NewSyntheticSource creates a generator with the given dimensions
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.Noise < 0 {
		cfg.Noise = 0
	}
	return &SyntheticSource{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(len(cfg.SourceID)))),
	}
}

func (s *SyntheticSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) ReadFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	seq := s.seq
	s.seq++

	now := time.Now()
	return NewFrame(s.cfg.SourceID, seq, s.render(seq, now), now), nil
}

// render draws frame number seq; callers hold s.mu
func (s *SyntheticSource) render(seq uint64, now time.Time) *image.RGBA {
	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{50, 50, 50, 255}}, image.Point{}, draw.Src)

	if s.cfg.Noise > 0 {
		for i := 0; i < len(img.Pix); i += 4 {
			n := uint8(s.rng.IntN(s.cfg.Noise + 1))
			img.Pix[i] += n
			img.Pix[i+1] += n
			img.Pix[i+2] += n
		}
	}

	if !s.cfg.Static {
		t := float64(seq) * 0.1
		cx := float64(w)/2 + float64(w)*0.3125*math.Sin(t)
		cy := float64(h)/2 + float64(h)*0.208*math.Cos(0.7*t)
		r := float64(min(w, h)) / 16
		fillCircle(img, int(cx), int(cy), int(r), color.RGBA{0, 255, 0, 255})
	}

	label := fmt.Sprintf("%s %s", s.cfg.SourceID, now.Format("2006-01-02 15:04:05"))
	drawCaption(img, 10, 10, label, color.RGBA{255, 255, 255, 255})
	return img
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	b := img.Bounds()
	for y := max(cy-r, b.Min.Y); y <= min(cy+r, b.Max.Y-1); y++ {
		for x := max(cx-r, b.Min.X); x <= min(cx+r, b.Max.X-1); x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func drawCaption(img *image.RGBA, x, y int, label string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
