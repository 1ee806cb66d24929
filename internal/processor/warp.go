package processor

import (
	"image"
	"math"

	"github.com/andresmejia3/retouch/internal/model"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	// FaceSize is the canonical side length of an aligned face crop.
	FaceSize = 512
	// cropPadding widens the detected box so hair and chin survive the crop.
	cropPadding = 0.25
)

// Alignment maps a face between frame coordinates and the canonical crop.
type Alignment struct {
	size    int
	toCrop  f64.Aff3 // frame -> crop
	toFrame f64.Aff3 // crop -> frame
}

// Align builds the similarity transform that centres face in a size×size crop,
// rotated so the eyes are level when landmarks are available.
func Align(face model.Face, size int) Alignment {
	cx := float64(face.Box.Min.X+face.Box.Max.X) / 2
	cy := float64(face.Box.Min.Y+face.Box.Max.Y) / 2
	side := float64(max(face.Box.Dx(), face.Box.Dy(), 1)) * (1 + cropPadding)

	theta := 0.0
	if len(face.Landmarks) >= 2 {
		l, r := face.Landmarks[0], face.Landmarks[1]
		theta = math.Atan2(r.Y-l.Y, r.X-l.X)
	}

	k := float64(size) / side
	cos, sin := math.Cos(theta), math.Sin(theta)
	half := float64(size) / 2

	// p' = k·R(-θ)·(p - c) + half
	a, b := k*cos, k*sin
	d, e := -k*sin, k*cos
	toCrop := f64.Aff3{
		a, b, half - (a*cx + b*cy),
		d, e, half - (d*cx + e*cy),
	}

	// p = c + (1/k)·R(θ)·(p' - half)
	ia, ib := cos/k, -sin/k
	id, ie := sin/k, cos/k
	toFrame := f64.Aff3{
		ia, ib, cx - (ia*half + ib*half),
		id, ie, cy - (id*half + ie*half),
	}

	return Alignment{size: size, toCrop: toCrop, toFrame: toFrame}
}

// Crop warps the face region of src into a new canonical crop.
// Parts of the crop that fall outside src stay transparent.
func (a Alignment) Crop(src image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, a.size, a.size))
	draw.CatmullRom.Transform(dst, a.toCrop, src, src.Bounds(), draw.Src, nil)
	return dst
}

// Paste inverse-warps face back onto dst at the location it was cropped from.
// face may be larger or smaller than the canonical crop (e.g. an upsampled
// restoration); it is rescaled as part of the same transform.
func (a Alignment) Paste(dst draw.Image, face image.Image) {
	fb := face.Bounds()
	if fb.Empty() {
		return
	}
	sx := float64(a.size) / float64(fb.Dx())
	sy := float64(a.size) / float64(fb.Dy())

	// face -> crop: scale and move face's origin to zero, then crop -> frame
	m := a.toFrame
	toFrame := f64.Aff3{
		m[0] * sx, m[1] * sy, m[2] - (m[0]*sx*float64(fb.Min.X) + m[1]*sy*float64(fb.Min.Y)),
		m[3] * sx, m[4] * sy, m[5] - (m[3]*sx*float64(fb.Min.X) + m[4]*sy*float64(fb.Min.Y)),
	}
	draw.CatmullRom.Transform(dst, toFrame, face, fb, draw.Over, nil)
}
