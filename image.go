package dic

import (
	"fmt"
	"image"
	"image/color"
	"io"

	// Decoders registered for ReadImage. DIC cameras commonly write TIFF
	// and BMP; PNG, JPEG and GIF cover the rest.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Image errors.
var (
	// ErrInvalidDimensions is returned when width or height is non-positive.
	ErrInvalidDimensions = fmt.Errorf("%w: invalid image dimensions", ErrIllegalTaskData)

	// ErrDataTooSmall is returned when provided data is smaller than required.
	ErrDataTooSmall = fmt.Errorf("%w: image data too small", ErrIllegalTaskData)
)

// Image is a grayscale intensity image stored row by row as float32.
//
// Images are compared by identity: memory managers skip re-uploading an
// Image pointer they have already staged, so an Image must not be modified
// after it has been handed to a solver.
type Image struct {
	width  int
	height int
	data   []float32
}

// NewImage wraps intensity data of a width x height image.
func NewImage(width, height int, data []float32) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	if len(data) < width*height {
		return nil, fmt.Errorf("%w: have %d values, need %d", ErrDataTooSmall, len(data), width*height)
	}
	return &Image{width: width, height: height, data: data[:width*height]}, nil
}

// FromImage converts any image.Image to grayscale intensities in [0, 255].
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, w*h)
	switch s := src.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := s.Pix[y*s.Stride : y*s.Stride+w]
			for x, v := range row {
				data[y*w+x] = float32(v)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16) //nolint:forcetypeassert // Gray16Model always returns Gray16
				data[y*w+x] = float32(g.Y) / 257
			}
		}
	}
	return &Image{width: w, height: h, data: data}
}

// ReadImage decodes an image from r and converts it to grayscale.
func ReadImage(r io.Reader) (*Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrIO, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrIO)
	}
	return FromImage(src), nil
}

// Width returns the image width in pixels.
func (img *Image) Width() int { return img.width }

// Height returns the image height in pixels.
func (img *Image) Height() int { return img.height }

// Data returns the row-major intensities. The slice must not be modified.
func (img *Image) Data() []float32 { return img.data }

// At returns the intensity at (x, y), clamping coordinates to the image.
func (img *Image) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= img.width {
		x = img.width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= img.height {
		y = img.height - 1
	}
	return img.data[y*img.width+x]
}

// SizeBytes returns the size of the image when staged as float32 values.
func (img *Image) SizeBytes() uint64 {
	return uint64(img.width) * uint64(img.height) * 4 //nolint:gosec // dimensions are positive
}
