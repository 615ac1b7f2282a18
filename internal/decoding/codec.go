package decoding

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"slices"
	"sort"
	"sync"

	// formats understood by ImageCodec
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// Codec turns an encoded frame into interleaved pixel samples. Decode may
// reuse dst and returns the slice holding the decoded samples. A Codec is
// owned by a single decode worker and is never shared.
type Codec interface {
	Decode(encoded, dst []byte) (domain.FrameInfo, []byte, error)
}

// Factory builds a codec for one decode worker. Codecs implementing io.Closer
// are closed when their worker exits.
type Factory func() (Codec, error)

const DefaultCodec = "image"

var ErrUnknownCodec = errors.New("unknown codec")

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		DefaultCodec: func() (Codec, error) { return NewImageCodec(), nil },
	}
)

// RegisterCodec makes a codec available by name, replacing any previous
// registration.
func RegisterCodec(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownCodec, name, codecNames())
	}
	return f, nil
}

func codecNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ImageCodec decodes any format registered with the image package. Grayscale
// images keep their bit depth (16-bit samples are little-endian); everything
// else becomes 8-bit RGB.
type ImageCodec struct {
	reader *bytes.Reader
}

func NewImageCodec() *ImageCodec {
	return &ImageCodec{reader: bytes.NewReader(nil)}
}

func (c *ImageCodec) Decode(encoded, dst []byte) (domain.FrameInfo, []byte, error) {
	c.reader.Reset(encoded)

	img, _, err := image.Decode(c.reader)
	if err != nil {
		return domain.FrameInfo{}, dst, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	info := domain.FrameInfo{Width: w, Height: h}

	switch im := img.(type) {
	case *image.Gray:
		info.BitsPerSample, info.ComponentCount = 8, 1
		dst = resize(dst, w*h)
		for y := 0; y < h; y++ {
			off := im.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst[y*w:(y+1)*w], im.Pix[off:off+w])
		}

	case *image.Gray16:
		info.BitsPerSample, info.ComponentCount = 16, 1
		dst = resize(dst, w*h*2)
		for y := 0; y < h; y++ {
			off := im.PixOffset(b.Min.X, b.Min.Y+y)
			row := dst[y*w*2 : (y+1)*w*2]
			for x := 0; x < w; x++ {
				// image.Gray16 is big-endian
				row[2*x] = im.Pix[off+2*x+1]
				row[2*x+1] = im.Pix[off+2*x]
			}
		}

	default:
		info.BitsPerSample, info.ComponentCount = 8, 3
		dst = resize(dst, w*h*3)
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				dst[i], dst[i+1], dst[i+2] = px.R, px.G, px.B
				i += 3
			}
		}
	}

	return info, dst, nil
}

func resize(buf []byte, n int) []byte {
	return slices.Grow(buf[:0], n)[:n]
}
