package framebuffer

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
)

// float8Max is the largest value a float8 element can hold.
const float8Max = 0.9375

// Convert draws the frame src described by desc into dst, converting to the
// surface's pixel format. A frame of another size is scaled with nearest
// neighbour sampling to fit the screen, keeping its aspect ratio, and centred
// on a black background. Float8 tensors show their first channel as grey.
func Convert(src []byte, desc frame.Descriptor, dst *Surface) error {
	if dst == nil {
		return fault.New(fault.NoSurfaceAvailable, "convert")
	}
	if pixelSize(dst.Format) == 0 {
		return fault.Newf(fault.FormatUnsupported, "convert", "cannot draw into %v", dst.Format)
	}
	img, err := sourceImage(src, desc)
	if err != nil {
		return err
	}
	out := &packedImage{
		pix:    dst.Pix,
		stride: dst.Stride,
		rect:   image.Rect(0, 0, dst.Width, dst.Height),
		format: dst.Format,
	}
	r := fit(img.Bounds().Size(), out.rect)
	if r.Empty() {
		return fault.Newf(fault.FormatUnsupported, "convert", "%dx%d frame does not fit the screen", desc.Width, desc.Height)
	}
	if r != out.rect {
		clear(dst.Pix)
	}
	draw.NearestNeighbor.Scale(out, r, img, img.Bounds(), draw.Src, nil)
	return nil
}

// fit returns the largest rectangle of size's aspect ratio centred in bounds.
func fit(size image.Point, bounds image.Rectangle) image.Rectangle {
	bw, bh := bounds.Dx(), bounds.Dy()
	if size.X <= 0 || size.Y <= 0 {
		return image.Rectangle{}
	}
	if size.X == bw && size.Y == bh {
		return bounds
	}
	w, h := bw, size.Y*bw/size.X
	if h > bh {
		w, h = size.X*bh/size.Y, bh
	}
	x0 := bounds.Min.X + (bw-w)/2
	y0 := bounds.Min.Y + (bh-h)/2
	return image.Rect(x0, y0, x0+w, y0+h)
}

func sourceImage(src []byte, desc frame.Descriptor) (image.Image, error) {
	w, h := desc.Width, desc.Height
	if w <= 0 || h <= 0 {
		return nil, fault.Newf(fault.FormatUnsupported, "convert", "bad frame size %dx%d", w, h)
	}
	short := func(need int) error {
		return fault.Newf(fault.FormatUnsupported, "convert", "%v frame of %dx%d needs %d bytes, got %d",
			desc.Format, w, h, need, len(src))
	}
	rect := image.Rect(0, 0, w, h)

	if desc.Elem == frame.ElemFloat8 || desc.Format == frame.FormatFloat8 {
		if len(src) < w*h {
			return nil, short(w * h)
		}
		g := image.NewGray(rect)
		for i, b := range src[:w*h] {
			v := accelerator.DecodeFloat8(b) / float8Max * 255
			g.Pix[i] = uint8(min(v+0.5, 255))
		}
		return g, nil
	}

	stride := desc.Stride
	if stride == 0 {
		stride = w * desc.Format.BytesPerPixel()
	}
	need := stride*(h-1) + w*desc.Format.BytesPerPixel()
	switch desc.Format {
	case frame.FormatUYVY, frame.FormatYUYV:
		if w%2 != 0 {
			return nil, fault.Newf(fault.FormatUnsupported, "convert", "4:2:2 frame width %d is odd", w)
		}
		if len(src) < need {
			return nil, short(need)
		}
		return yuv422(src, stride, rect, desc.Format == frame.FormatUYVY), nil
	case frame.FormatGrey:
		if len(src) < need {
			return nil, short(need)
		}
		return &image.Gray{Pix: src, Stride: stride, Rect: rect}, nil
	case frame.FormatBGR24, frame.FormatRGB24, frame.FormatBGRA32, frame.FormatRGB565:
		if len(src) < need {
			return nil, short(need)
		}
		return &packedImage{pix: src, stride: stride, rect: rect, format: desc.Format}, nil
	default:
		return nil, fault.Newf(fault.FormatUnsupported, "convert", "cannot convert from %v", desc.Format)
	}
}

// yuv422 splits packed 4:2:2 pixels into planes.
func yuv422(src []byte, stride int, rect image.Rectangle, uyvy bool) *image.YCbCr {
	img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
	w, h := rect.Dx(), rect.Dy()
	y0, cb, y1, cr := 0, 1, 2, 3
	if uyvy {
		cb, y0, cr, y1 = 0, 1, 2, 3
	}
	for y := 0; y < h; y++ {
		line := src[y*stride:]
		ys := img.Y[y*img.YStride:]
		cs := y * img.CStride
		for i := 0; i < w/2; i++ {
			p := line[i*4 : i*4+4]
			ys[2*i] = p[y0]
			ys[2*i+1] = p[y1]
			img.Cb[cs+i] = p[cb]
			img.Cr[cs+i] = p[cr]
		}
	}
	return img
}

// packedImage is an image over packed RGB-family pixels.
type packedImage struct {
	pix    []byte
	stride int
	rect   image.Rectangle
	format frame.Format
}

func (p *packedImage) ColorModel() color.Model { return color.RGBAModel }

func (p *packedImage) Bounds() image.Rectangle { return p.rect }

func (p *packedImage) offset(x, y int) int {
	return (y-p.rect.Min.Y)*p.stride + (x-p.rect.Min.X)*pixelSize(p.format)
}

func (p *packedImage) At(x, y int) color.Color {
	if !image.Pt(x, y).In(p.rect) {
		return color.RGBA{}
	}
	r, g, b := getPixel(p.pix[p.offset(x, y):], p.format)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

func (p *packedImage) Set(x, y int, c color.Color) {
	if !image.Pt(x, y).In(p.rect) {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	putPixel(p.pix[p.offset(x, y):], p.format, rgba.R, rgba.G, rgba.B)
}

// pixelSize is the byte size of a screen pixel, or 0 for formats a screen
// cannot use.
func pixelSize(f frame.Format) int {
	switch f {
	case frame.FormatBGR24, frame.FormatRGB24, frame.FormatBGRA32, frame.FormatRGB565:
		return f.BytesPerPixel()
	default:
		return 0
	}
}

func putPixel(b []byte, f frame.Format, r, g, bl uint8) {
	switch f {
	case frame.FormatBGR24:
		b[0], b[1], b[2] = bl, g, r
	case frame.FormatRGB24:
		b[0], b[1], b[2] = r, g, bl
	case frame.FormatBGRA32:
		b[0], b[1], b[2], b[3] = bl, g, r, 0xff
	case frame.FormatRGB565:
		v := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(bl>>3)
		b[0], b[1] = byte(v), byte(v>>8)
	}
}

func getPixel(b []byte, f frame.Format) (r, g, bl uint8) {
	switch f {
	case frame.FormatBGR24, frame.FormatBGRA32:
		return b[2], b[1], b[0]
	case frame.FormatRGB24:
		return b[0], b[1], b[2]
	case frame.FormatRGB565:
		v := uint16(b[0]) | uint16(b[1])<<8
		r5, g6, b5 := uint8(v>>11), uint8(v>>5)&0x3f, uint8(v)&0x1f
		return r5<<3 | r5>>2, g6<<2 | g6>>4, b5<<3 | b5>>2
	}
	return 0, 0, 0
}
