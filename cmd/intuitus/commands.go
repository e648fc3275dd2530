package main

import (
	"fmt"
	"image"
	// Decoders for the show command.
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/framebuffer"
)

const defaultHold = 5 * time.Second

func (s *session) inspectAction(c *cli.Context) (err error) {
	cfg, err := s.loadConfig(c)
	if err != nil {
		return err
	}
	b, err := backendsFor(cfg, s.logger)
	if err != nil {
		return err
	}
	w := c.App.Writer

	cam, err := openCamera(c.Context, cfg, b, s.logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, cam.Close()) }()
	caps := cam.Capabilities()
	formats := make([]string, 0, len(caps.Formats))
	for _, f := range caps.Formats {
		formats = append(formats, f.String())
	}
	fmt.Fprintf(w, "camera %s: %s (%s) on %s\n", cfg.Camera.Device, caps.Card, caps.Driver, caps.BusInfo)
	fmt.Fprintf(w, "  formats: %s\n", strings.Join(formats, " "))
	fmt.Fprintf(w, "  negotiated: %s %dx%d stride %d, %d buffers of %s\n",
		caps.PixelFormat, caps.Width, caps.Height, caps.Stride, caps.BufferCount,
		units.BytesSize(float64(caps.FrameBytes)))

	acc, err := openAccelerator(c.Context, cfg, b, s.logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, acc.Close()) }()
	info := acc.Info()
	fmt.Fprintf(w, "accelerator %s: %s, %d command slots, model capacity %s, input %s, output %s, scatter-gather %v\n",
		cfg.Accelerator.Device, info.Name, info.Slots,
		units.BytesSize(float64(info.Capacity)),
		units.BytesSize(float64(info.InputBytes)),
		units.BytesSize(float64(info.OutputBytes)),
		info.ScatterGather)

	fb, err := openDisplay(c.Context, cfg, b, s.logger)
	if err != nil {
		// A headless system has no framebuffer.
		fmt.Fprintf(w, "display %s: unavailable: %v\n", cfg.Display.Device, err)
		return nil
	}
	defer func() { err = multierr.Combine(err, fb.Close()) }()
	printScreen(w, cfg.Display.Device, fb.Info())
	return nil
}

func printScreen(w io.Writer, path string, si framebuffer.ScreenInfo) {
	fmt.Fprintf(w, "display %s: %s %dx%d %s stride %d, %d surfaces\n",
		path, si.ID, si.Width, si.Height, si.Format, si.Stride, si.Surfaces)
}

func (s *session) selfTestAction(c *cli.Context) (err error) {
	cfg, err := s.loadConfig(c)
	if err != nil {
		return err
	}
	b, err := backendsFor(cfg, s.logger)
	if err != nil {
		return err
	}
	acc, err := openAccelerator(c.Context, cfg, b, s.logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, acc.Close()) }()

	if err := acc.SelfTest(c.Context); err != nil {
		return errors.Wrap(err, "self test")
	}
	fmt.Fprintln(c.App.Writer, "self test passed")

	if c.Bool(flagPrintNetwork) {
		if err := loadModel(c.Context, acc, cfg.Accelerator.Model); err != nil {
			return err
		}
		return acc.PrintNetwork()
	}
	return nil
}

func (s *session) showAction(c *cli.Context) (err error) {
	if c.Args().Len() != 1 {
		return errors.New("show takes exactly one image path")
	}
	cfg, err := s.loadConfig(c)
	if err != nil {
		return err
	}
	b, err := backendsFor(cfg, s.logger)
	if err != nil {
		return err
	}
	pix, desc, err := readImage(c.Args().First())
	if err != nil {
		return err
	}

	fb, err := openDisplay(c.Context, cfg, b, s.logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, fb.Close()) }()
	if err := present(fb, pix, desc); err != nil {
		return err
	}
	goutils.SelectContextOrWait(c.Context, c.Duration(flagHold))
	return nil
}

// present scales pix onto the back surface and flips it to the front.
func present(fb *framebuffer.Framebuffer, pix []byte, desc frame.Descriptor) error {
	surface, err := fb.AcquireWriteSurface()
	if err != nil {
		return err
	}
	if err := framebuffer.Convert(pix, desc, surface); err != nil {
		return multierr.Combine(err, fb.Abandon(surface))
	}
	return fb.Present(surface)
}

// readImage decodes a PNG, JPEG or BMP file into packed RGB24.
func readImage(path string) ([]byte, frame.Descriptor, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, frame.Descriptor{}, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, frame.Descriptor{}, errors.Wrapf(err, "decode %s", path)
	}
	pix, desc := toRGB24(img)
	return pix, desc, nil
}

func toRGB24(img image.Image) ([]byte, frame.Descriptor) {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	w, h := bounds.Dx(), bounds.Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out, frame.Descriptor{
		Width:    w,
		Height:   h,
		Channels: 3,
		Elem:     frame.ElemUint8,
		Format:   frame.FormatRGB24,
	}
}

