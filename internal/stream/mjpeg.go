package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/motion"
)

const (
	defaultMaxFPS = 10
	overlayTTL    = 2 * time.Second
	clientBuffer  = 5
	jpegQuality   = 85
)

// overlay is a box drawn on live frames until it expires
type overlay struct {
	box   motion.BoundingBox
	label string
	color color.RGBA
	until time.Time
}

// feed holds the live state of one source
type feed struct {
	mu       sync.RWMutex
	latest   *camera.Frame
	overlays []overlay
	lastSent time.Time
	clients  map[chan []byte]struct{}
}

// Hub keeps the latest frame of every source and serves live MJPEG views.
// Frames are only encoded while someone is watching.
type Hub struct {
	mu       sync.RWMutex
	feeds    map[string]*feed
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

var _ camera.FrameObserver = (*Hub)(nil)

// NewHub creates a hub streaming at most maxFPS frames per second per viewer
func NewHub(maxFPS int, logger *zap.Logger) *Hub {
	if maxFPS <= 0 {
		maxFPS = defaultMaxFPS
	}
	return &Hub{
		feeds:    make(map[string]*feed),
		interval: time.Second / time.Duration(maxFPS),
		logger:   logger.Named("stream"),
		now:      time.Now,
	}
}

func (h *Hub) feed(sourceID string, create bool) *feed {
	h.mu.RLock()
	f := h.feeds[sourceID]
	h.mu.RUnlock()
	if f != nil || !create {
		return f
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if f = h.feeds[sourceID]; f == nil {
		f = &feed{clients: make(map[chan []byte]struct{})}
		h.feeds[sourceID] = f
	}
	return f
}

// FrameCaptured implements camera.FrameObserver
func (h *Hub) FrameCaptured(frame *camera.Frame) {
	f := h.feed(frame.SourceID, true)
	now := h.now()

	f.mu.Lock()
	f.latest = frame
	if len(f.clients) == 0 || now.Sub(f.lastSent) < h.interval {
		f.mu.Unlock()
		return
	}
	f.lastSent = now
	overlays := f.activeOverlaysLocked(now)
	f.mu.Unlock()

	data, err := render(frame, overlays)
	if err != nil {
		h.logger.Debug("Failed to encode live frame", zap.String("source_id", frame.SourceID), zap.Error(err))
		return
	}

	f.mu.RLock()
	for ch := range f.clients {
		select {
		case ch <- data:
		default:
			// Client is slow, skip frame
		}
	}
	f.mu.RUnlock()
}

// HandleEvent marks the event region on the live view for a short while
func (h *Hub) HandleEvent(_ context.Context, ev *events.Event) {
	box, ok := ev.Metadata["bbox"].(motion.BoundingBox)
	if !ok || box.Area() == 0 {
		return
	}
	f := h.feed(ev.SourceID, true)
	c := color.RGBA{255, 165, 0, 255}
	if ev.Severity.IsPriority() {
		c = color.RGBA{255, 0, 0, 255}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.overlays = append(f.activeOverlaysLocked(h.now()), overlay{
		box:   box,
		label: fmt.Sprintf("%s %.0f%%", ev.Type, ev.Confidence*100),
		color: c,
		until: h.now().Add(overlayTTL),
	})
}

func (f *feed) activeOverlaysLocked(now time.Time) []overlay {
	live := f.overlays[:0]
	for _, o := range f.overlays {
		if now.Before(o.until) {
			live = append(live, o)
		}
	}
	f.overlays = live
	return append([]overlay(nil), live...)
}

// Remove closes every viewer of sourceID and forgets its state
func (h *Hub) Remove(sourceID string) {
	h.mu.Lock()
	f := h.feeds[sourceID]
	delete(h.feeds, sourceID)
	h.mu.Unlock()
	if f == nil {
		return
	}

	f.mu.Lock()
	for ch := range f.clients {
		close(ch)
		delete(f.clients, ch)
	}
	f.mu.Unlock()
}

// Snapshot returns the latest frame of sourceID as JPEG
func (h *Hub) Snapshot(sourceID string) ([]byte, error) {
	f := h.feed(sourceID, false)
	if f == nil {
		return nil, fmt.Errorf("no frames for source %s", sourceID)
	}
	f.mu.Lock()
	latest := f.latest
	overlays := f.activeOverlaysLocked(h.now())
	f.mu.Unlock()
	if latest == nil {
		return nil, fmt.Errorf("no frames for source %s", sourceID)
	}
	return render(latest, overlays)
}

// Viewers returns the number of live viewers of sourceID
func (h *Hub) Viewers(sourceID string) int {
	f := h.feed(sourceID, false)
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ServeStream writes a multipart MJPEG stream of sourceID until the client
// goes away
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, sourceID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	f := h.feed(sourceID, true)
	clientCh := make(chan []byte, clientBuffer)
	f.mu.Lock()
	f.clients[clientCh] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.clients, clientCh)
		f.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("Viewer connected", zap.String("source_id", sourceID))
	defer h.logger.Debug("Viewer disconnected", zap.String("source_id", sourceID))

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// ServeSnapshot writes the latest frame of sourceID as a JPEG image
func (h *Hub) ServeSnapshot(w http.ResponseWriter, r *http.Request, sourceID string) {
	frame, err := h.Snapshot(sourceID)
	if err != nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	_, _ = w.Write(frame)
}

// render encodes frame, drawing overlays when there are any
func render(frame *camera.Frame, overlays []overlay) ([]byte, error) {
	if len(overlays) == 0 {
		return frame.JPEG()
	}

	bounds := frame.Image.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, frame.Image, bounds.Min, draw.Src)
	for _, o := range overlays {
		drawBox(rgba, o.box.X, o.box.Y, o.box.Width, o.box.Height, o.color, 2)
		drawLabel(rgba, o.box.X, o.box.Y-14, o.label, o.color)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	b := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(b) {
			img.SetRGBA(px, py, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	b := img.Bounds()
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if x < b.Min.X {
		x = b.Min.X
	}

	bg := image.NewUniform(color.RGBA{0, 0, 0, 180})
	textWidth := len(label) * 7
	rect := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(b)
	draw.Draw(img, rect, bg, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
