package imaging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Image is an immutable 8-bit single channel raster. Samples and masks
// share the type; a mask pixel != 0 excludes that pixel from analysis.
type Image struct {
	width  int
	height int
	pix    []byte
}

// New copies pix into a new Image. len(pix) must equal width*height.
func New(width, height int, pix []byte) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d", len(pix), width*height)
	}
	cp := make([]byte, len(pix))
	copy(cp, pix)
	return &Image{width: width, height: height, pix: cp}, nil
}

// FromImage converts any decoded image to gray.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			pix[y*w+x] = g.Y
		}
	}
	return &Image{width: w, height: h, pix: pix}
}

// Load decodes an image file. PNG, JPEG, GIF, BMP and TIFF are supported.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(src), nil
}

// BorderMask returns a mask with ones in a band of the given width along
// every edge and zeros inside.
func BorderMask(width, height, border int) *Image {
	pix := make([]byte, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if y < border || y >= height-border || x < border || x >= width-border {
				pix[y*width+x] = 1
			}
		}
	}
	return &Image{width: width, height: height, pix: pix}
}

func (im *Image) Width() int  { return im.width }
func (im *Image) Height() int { return im.height }
func (im *Image) Bounds() Rect {
	return Rect{W: im.width, H: im.height}
}

// At returns the pixel at (x, y). Out of range coordinates return 0.
func (im *Image) At(x, y int) byte {
	if x < 0 || y < 0 || x >= im.width || y >= im.height {
		return 0
	}
	return im.pix[y*im.width+x]
}

// Pix returns a copy of the pixel buffer.
func (im *Image) Pix() []byte {
	cp := make([]byte, len(im.pix))
	copy(cp, im.pix)
	return cp
}

// Digest is a blake2b-256 hash over size and pixels. Two images with the
// same digest are treated as equal.
func (im *Image) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(im.width))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(im.height))
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(im.pix)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Equal compares by value. Two nil images are equal.
func Equal(a, b *Image) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	return a.Digest() == b.Digest()
}

var errMaskSize = errors.New("mask size does not match image")

// CheckMask verifies that a mask covers the image exactly.
func CheckMask(img, mask *Image) error {
	if mask == nil {
		return nil
	}
	if mask.width != img.width || mask.height != img.height {
		return fmt.Errorf("%w: mask %dx%d, image %dx%d", errMaskSize, mask.width, mask.height, img.width, img.height)
	}
	return nil
}
