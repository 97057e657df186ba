package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"
)

var (
	ErrConnect      = errors.New("source connect failed")
	ErrRead         = errors.New("frame read failed")
	ErrReadTimeout  = errors.New("frame read timed out")
	ErrNotConnected = errors.New("source not connected")
)

// FrameSource produces frames for one video source
type FrameSource interface {
	Connect(ctx context.Context) error
	ReadFrame(ctx context.Context) (*Frame, error)
	Disconnect() error
}

// Frame is a single captured image. The JPEG encoding is computed on first
// use and cached.
type Frame struct {
	SourceID   string
	Seq        uint64
	Image      image.Image
	CapturedAt time.Time

	jpegOnce sync.Once
	jpegData []byte
	jpegErr  error
}

// NewFrame wraps a decoded image
func NewFrame(sourceID string, seq uint64, img image.Image, capturedAt time.Time) *Frame {
	return &Frame{SourceID: sourceID, Seq: seq, Image: img, CapturedAt: capturedAt}
}

// DecodeFrame decodes an encoded image. JPEG input is kept as-is for JPEG().
func DecodeFrame(sourceID string, seq uint64, data []byte, capturedAt time.Time) (*Frame, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	f := NewFrame(sourceID, seq, img, capturedAt)
	if format == "jpeg" {
		f.jpegOnce.Do(func() { f.jpegData = data })
	}
	return f, nil
}

// JPEG returns the frame encoded as JPEG
func (f *Frame) JPEG() ([]byte, error) {
	f.jpegOnce.Do(func() {
		if f.Image == nil {
			f.jpegErr = errors.New("frame has no image")
			return
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 80}); err != nil {
			f.jpegErr = err
			return
		}
		f.jpegData = buf.Bytes()
	})
	return f.jpegData, f.jpegErr
}

// Width returns the image width in pixels
func (f *Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the image height in pixels
func (f *Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
