package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Version identifies the normalization implemented in this file. Model artifacts record
// it and loaders refuse an artifact trained with a different value, so bump it whenever
// Resize or ToTensor change behaviour.
const Version = "rgb/bilinear-resize/scale-pm1/v2"

// Channels is the number of color channels fed to the network
const Channels = 3

// Decode decodes any registered image format (JPEG, PNG, GIF, BMP)
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("image has empty bounds %v", b)
	}
	return img, nil
}

// DecodeBytes decodes an in-memory image
func DecodeBytes(data []byte) (image.Image, error) {
	return Decode(bytes.NewReader(data))
}

// DecodeFile opens and decodes an image file
func DecodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Resize drops the alpha channel of img, then scales it to size x size with bilinear
// interpolation and returns it as an opaque RGBA. The aspect ratio is not preserved,
// matching the target_size behaviour of the directory generators the model was designed
// around.
func Resize(img image.Image, size int) *image.RGBA {
	scaled := resize.Resize(uint(size), uint(size), dropAlpha(img), resize.Bilinear)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	return dst
}

// dropAlpha returns img with every pixel made opaque at its unpremultiplied colour, so a
// translucent pixel keeps its full colour instead of fading towards black
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	straight := image.NewNRGBA(b)
	draw.Draw(straight, b, img, b.Min, draw.Src)
	for i := 3; i < len(straight.Pix); i += 4 {
		straight.Pix[i] = 0xff
	}
	return straight
}

// ToTensor converts an RGBA image into HWC float32 data scaled to [-1, 1]
func ToTensor(img *image.RGBA) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	data := make([]float32, 0, width*height*Channels)

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			// Alpha is dropped
			data = append(data,
				float32(px[0])/127.5-1,
				float32(px[1])/127.5-1,
				float32(px[2])/127.5-1,
			)
		}
	}
	return data
}

// Normalize is the single preprocessing path shared by the batch generators and every
// inference caller: resize to size x size, then scale each channel into [-1, 1].
func Normalize(img image.Image, size int) []float32 {
	return ToTensor(Resize(img, size))
}

// TensorSize is the number of float32 values Normalize produces for one image
func TensorSize(size int) int {
	return size * size * Channels
}
