package detect

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/kdimtricp/callpilot/internal/frame"
)

// Band is an inclusive HSV range. Hue is in degrees [0,360), saturation and
// value are percentages [0,100].
type Band struct {
	HueMin float64 `mapstructure:"hue_min" json:"hueMin"`
	HueMax float64 `mapstructure:"hue_max" json:"hueMax"`
	SatMin float64 `mapstructure:"sat_min" json:"satMin"`
	SatMax float64 `mapstructure:"sat_max" json:"satMax"`
	ValMin float64 `mapstructure:"val_min" json:"valMin"`
	ValMax float64 `mapstructure:"val_max" json:"valMax"`
}

var ErrInvalidBand = errors.New("invalid HSV band")

// Validate rejects bands that are unset, inverted or outside the HSV ranges.
func (b Band) Validate() error {
	switch {
	case b == (Band{}):
		return fmt.Errorf("%w: band is empty", ErrInvalidBand)
	case b.HueMin < 0 || b.HueMax > 360 || b.HueMin > b.HueMax:
		return fmt.Errorf("%w: hue %.0f-%.0f", ErrInvalidBand, b.HueMin, b.HueMax)
	case b.SatMin < 0 || b.SatMax > 100 || b.SatMin > b.SatMax:
		return fmt.Errorf("%w: saturation %.0f-%.0f", ErrInvalidBand, b.SatMin, b.SatMax)
	case b.ValMin < 0 || b.ValMax > 100 || b.ValMin > b.ValMax:
		return fmt.Errorf("%w: value %.0f-%.0f", ErrInvalidBand, b.ValMin, b.ValMax)
	}
	return nil
}

func (b Band) Contains(h, s, v float64) bool {
	return h >= b.HueMin && h <= b.HueMax &&
		s >= b.SatMin && s <= b.SatMax &&
		v >= b.ValMin && v <= b.ValMax
}

type Config struct {
	Band Band `mapstructure:",squash" json:"band"`
	// RegionTop and RegionBottom are fractions of the frame height.
	RegionTop    float64 `mapstructure:"region_top" json:"regionTop"`
	RegionBottom float64 `mapstructure:"region_bottom" json:"regionBottom"`
	Stride       int     `mapstructure:"stride" json:"stride"`
	MinPixels    int     `mapstructure:"min_pixels" json:"minPixels"`
	ConfidenceK  float64 `mapstructure:"confidence_k" json:"confidenceK"`
	// MaxSamples caps the number of pixels read per frame. A region that would
	// need more gets a coarser stride instead of a slower scan.
	MaxSamples int `mapstructure:"max_samples" json:"maxSamples"`
}

// DefaultConfig matches the accept button of the driver app: a saturated
// yellow in the lower half of the screen.
func DefaultConfig() Config {
	return Config{
		Band: Band{
			HueMin: 45, HueMax: 65,
			SatMin: 40, SatMax: 100,
			ValMin: 60, ValMax: 100,
		},
		RegionTop:    0.3,
		RegionBottom: 0.8,
		Stride:       5,
		MinPixels:    100,
		ConfidenceK:  0.5,
		MaxSamples:   250000,
	}
}

type Signal struct {
	Found      bool    `json:"found"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Confidence float64 `json:"confidence"`
	PixelCount int     `json:"pixelCount"`
}

type Detector struct {
	cfg Config
}

// New fills unset fields from DefaultConfig. An empty or invalid band is
// replaced by the default band.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Band.Validate() != nil {
		cfg.Band = def.Band
	}
	if cfg.Stride <= 0 {
		cfg.Stride = def.Stride
	}
	if cfg.MinPixels <= 0 {
		cfg.MinPixels = def.MinPixels
	}
	if cfg.ConfidenceK <= 0 {
		cfg.ConfidenceK = def.ConfidenceK
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.RegionBottom <= cfg.RegionTop {
		cfg.RegionTop, cfg.RegionBottom = def.RegionTop, def.RegionBottom
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Config() Config {
	return d.cfg
}

// Relaxed widens the hue band by 10 degrees on each side and halves the pixel
// threshold. It trades precision for recall on washed-out captures.
func (d *Detector) Relaxed() *Detector {
	cfg := d.cfg
	cfg.Band.HueMin = math.Max(0, cfg.Band.HueMin-10)
	cfg.Band.HueMax = math.Min(360, cfg.Band.HueMax+10)
	cfg.Band.SatMin = math.Max(0, cfg.Band.SatMin-10)
	cfg.MinPixels = max(1, cfg.MinPixels/2)
	return &Detector{cfg: cfg}
}

// Detect grid-samples the configured region and returns the centroid of the
// matching pixels. It has no side effects and returns the same Signal for the
// same frame.
func (d *Detector) Detect(f *frame.Frame) Signal {
	if f == nil || f.Image == nil {
		return Signal{}
	}

	img := f.Image
	b := img.Bounds()
	h := b.Dy()
	top := b.Min.Y + int(float64(h)*clamp01(d.cfg.RegionTop))
	bottom := b.Min.Y + int(float64(h)*clamp01(d.cfg.RegionBottom))
	if bottom <= top || b.Dx() == 0 {
		return Signal{}
	}

	stride := EffectiveStride(b.Dx(), bottom-top, d.cfg.Stride, d.cfg.MaxSamples)

	var count, sumX, sumY int
	for y := top; y < bottom; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			r, g, bl := rgbAt(img, x, y)
			hue, sat, val := RGBToHSV(r, g, bl)
			if d.cfg.Band.Contains(hue, sat, val) {
				count++
				sumX += x
				sumY += y
			}
		}
	}

	if count < d.cfg.MinPixels {
		return Signal{PixelCount: count}
	}

	return Signal{
		Found:      true,
		X:          int(math.Round(float64(sumX) / float64(count))),
		Y:          int(math.Round(float64(sumY) / float64(count))),
		Confidence: math.Min(1, float64(count)/float64(d.cfg.MinPixels)*d.cfg.ConfidenceK),
		PixelCount: count,
	}
}

// EffectiveStride doubles stride until the sample count fits maxSamples.
func EffectiveStride(width, rows, stride, maxSamples int) int {
	if stride <= 0 {
		stride = 1
	}
	if maxSamples <= 0 {
		return stride
	}
	for samples(width, rows, stride) > maxSamples {
		stride *= 2
	}
	return stride
}

func samples(width, rows, stride int) int {
	return ((width + stride - 1) / stride) * ((rows + stride - 1) / stride)
}

// Merge returns the found signal with the highest confidence, breaking ties by
// pixel count. It returns a not-found signal when none were found.
func Merge(signals ...Signal) Signal {
	var best Signal
	for _, s := range signals {
		if !s.Found {
			continue
		}
		if !best.Found || s.Confidence > best.Confidence ||
			(s.Confidence == best.Confidence && s.PixelCount > best.PixelCount) {
			best = s
		}
	}
	return best
}

func rgbAt(img image.Image, x, y int) (uint8, uint8, uint8) {
	switch m := img.(type) {
	case *image.RGBA:
		i := m.PixOffset(x, y)
		return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
	case *image.NRGBA:
		i := m.PixOffset(x, y)
		return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
	case *image.YCbCr:
		yi := m.YOffset(x, y)
		ci := m.COffset(x, y)
		return color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
	default:
		r, g, b, _ := img.At(x, y).RGBA()
		return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
	}
}

// RGBToHSV returns hue in degrees and saturation/value in percent.
func RGBToHSV(r, g, b uint8) (float64, float64, float64) {
	rf := float64(r) / 255
	gf := float64(g) / 255
	bf := float64(b) / 255

	hi := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	diff := hi - lo

	var h float64
	switch {
	case diff == 0:
		h = 0
	case hi == rf:
		h = math.Mod((gf-bf)/diff, 6)
		if h < 0 {
			h += 6
		}
	case hi == gf:
		h = (bf-rf)/diff + 2
	default:
		h = (rf-gf)/diff + 4
	}
	h *= 60

	var s float64
	if hi > 0 {
		s = diff / hi
	}

	return h, s * 100, hi * 100
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
