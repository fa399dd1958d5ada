package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	previewLongEdge = 1600
	previewQuality  = 88
	thumbBound      = 320
	thumbQuality    = 85
)

// Derivatives renders the two public JPEGs for an image original: a preview
// with the long edge capped at 1600px and a thumbnail bounded by 320x320.
// Neither is ever upscaled.
func Derivatives(original []byte) (preview, thumb []byte, err error) {
	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding image: %w", err)
	}
	pw, ph := previewSize(src.Bounds())
	preview, err = encodeJPEG(scale(src, pw, ph), previewQuality)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding preview: %w", err)
	}
	tw, th := fitSize(src.Bounds(), thumbBound, thumbBound)
	thumb, err = encodeJPEG(scale(src, tw, th), thumbQuality)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return preview, thumb, nil
}

// previewSize caps the long edge at previewLongEdge, preserving aspect.
func previewSize(b image.Rectangle) (int, int) {
	w, h := b.Dx(), b.Dy()
	if w >= h {
		nw := min(previewLongEdge, w)
		return nw, scaleEdge(h, nw, w)
	}
	nh := min(previewLongEdge, h)
	return scaleEdge(w, nh, h), nh
}

// fitSize shrinks to fit within maxW x maxH, preserving aspect.
func fitSize(b image.Rectangle, maxW, maxH int) (int, int) {
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH >= h*maxW {
		return maxW, scaleEdge(h, maxW, w)
	}
	return scaleEdge(w, maxH, h), maxH
}

func scaleEdge(edge, newOther, other int) int {
	n := edge * newOther / other
	if n < 1 {
		n = 1
	}
	return n
}

func scale(src image.Image, w, h int) image.Image {
	if b := src.Bounds(); b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
