package sensormsg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"strings"
)

// Supported image encodings (sensor_msgs/image_encodings).
const (
	EncodingRGB8   = "rgb8"
	EncodingBGR8   = "bgr8"
	EncodingRGBA8  = "rgba8"
	EncodingBGRA8  = "bgra8"
	EncodingMono8  = "mono8"
	EncodingMono16 = "mono16"
)

// maxPixels bounds decoded frames to 64 megapixels.
const maxPixels = 64 << 20

// Image is an uncompressed camera frame.
type Image struct {
	Header      Header    `json:"header"`
	Height      uint32    `json:"height"`
	Width       uint32    `json:"width"`
	Encoding    string    `json:"encoding"`
	IsBigendian uint8     `json:"is_bigendian"`
	Step        uint32    `json:"step"`
	Data        PixelData `json:"data"`
}

// PixelData is raw image bytes. It marshals as base64 and unmarshals from
// either base64 or a JSON array of byte values, since bag exporters and
// bridges disagree on the form.
type PixelData []byte

// MarshalJSON writes the bytes as a base64 string.
func (p PixelData) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p))
}

// UnmarshalJSON reads base64 or an array of numbers in [0, 255].
func (p *PixelData) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*p = nil
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		out := make(PixelData, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return fmt.Errorf("pixel byte %d out of range: %d", i, v)
			}
			out[i] = byte(v)
		}
		*p = out
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 pixel data: %w", err)
	}
	*p = decoded
	return nil
}

// bytesPerPixel returns the sample size for an encoding, or 0 if unsupported.
func bytesPerPixel(encoding string) int {
	switch encoding {
	case EncodingRGB8, EncodingBGR8:
		return 3
	case EncodingRGBA8, EncodingBGRA8:
		return 4
	case EncodingMono8:
		return 1
	case EncodingMono16:
		return 2
	}
	return 0
}

// ToImage converts the frame into an opaque 3-channel colour image. Alpha in
// rgba8/bgra8 is discarded and mono encodings are replicated across channels.
func (m *Image) ToImage() (*image.NRGBA, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil image", ErrMalformedImage)
	}
	encoding := strings.ToLower(strings.TrimSpace(m.Encoding))
	bpp := bytesPerPixel(encoding)
	if bpp == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, m.Encoding)
	}
	if m.Width == 0 || m.Height == 0 {
		return nil, fmt.Errorf("%w: empty frame %dx%d", ErrMalformedImage, m.Width, m.Height)
	}

	width, height := int(m.Width), int(m.Height)
	if int64(width)*int64(height) > maxPixels {
		return nil, fmt.Errorf("%w: frame %dx%d too large", ErrMalformedImage, width, height)
	}

	step := int(m.Step)
	if step == 0 {
		step = width * bpp
	}
	if step < width*bpp {
		return nil, fmt.Errorf("%w: step %d shorter than row of %d bytes", ErrMalformedImage, step, width*bpp)
	}
	if int64(len(m.Data)) < int64(step)*int64(height) {
		return nil, fmt.Errorf("%w: %d bytes of data for %d rows of %d", ErrMalformedImage, len(m.Data), height, step)
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := m.Data[y*step : y*step+width*bpp]
		for x := 0; x < width; x++ {
			px := row[x*bpp : x*bpp+bpp]
			var c color.NRGBA
			switch encoding {
			case EncodingRGB8, EncodingRGBA8:
				c = color.NRGBA{R: px[0], G: px[1], B: px[2], A: 0xff}
			case EncodingBGR8, EncodingBGRA8:
				c = color.NRGBA{R: px[2], G: px[1], B: px[0], A: 0xff}
			case EncodingMono8:
				c = color.NRGBA{R: px[0], G: px[0], B: px[0], A: 0xff}
			case EncodingMono16:
				var v uint16
				if m.IsBigendian != 0 {
					v = uint16(px[0])<<8 | uint16(px[1])
				} else {
					v = uint16(px[1])<<8 | uint16(px[0])
				}
				g := uint8(v >> 8)
				c = color.NRGBA{R: g, G: g, B: g, A: 0xff}
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

// FromImage packs img into a message with the given 8-bit encoding
// (rgb8, bgr8 or mono8). Used by fixture tooling and tests.
func FromImage(img image.Image, encoding string) (*Image, error) {
	bpp := bytesPerPixel(encoding)
	if bpp == 0 || encoding == EncodingMono16 || bpp == 4 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	msg := &Image{
		Height:   uint32(height),
		Width:    uint32(width),
		Encoding: encoding,
		Step:     uint32(width * bpp),
		Data:     make(PixelData, 0, width*height*bpp),
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			switch encoding {
			case EncodingRGB8:
				msg.Data = append(msg.Data, c.R, c.G, c.B)
			case EncodingBGR8:
				msg.Data = append(msg.Data, c.B, c.G, c.R)
			case EncodingMono8:
				g := color.GrayModel.Convert(c).(color.Gray)
				msg.Data = append(msg.Data, g.Y)
			}
		}
	}
	return msg, nil
}
