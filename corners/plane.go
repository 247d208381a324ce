package corners

import (
	"image"
	"math"
)

// plane is a single channel float image.
type plane struct {
	w, h int
	pix  []float64
}

// planeFromImage takes the first channel of an image already converted to grayscale. The result
// is indexed from (0, 0) regardless of the source bounds.
func planeFromImage(img image.Image) *plane {
	b := img.Bounds()
	p := &plane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < p.h; y++ {
			row := nrgba.Pix[y*nrgba.Stride:]
			for x := 0; x < p.w; x++ {
				p.pix[y*p.w+x] = float64(row[4*x])
			}
		}
		return p
	}
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			p.pix[y*p.w+x] = float64(r >> 8)
		}
	}
	return p
}

func (p *plane) at(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= p.w {
		x = p.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.h {
		y = p.h - 1
	}
	return p.pix[y*p.w+x]
}

// bilinear samples the plane at a sub-pixel location, clamping at the border.
func (p *plane) bilinear(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	top := p.at(ix, iy)*(1-fx) + p.at(ix+1, iy)*fx
	bottom := p.at(ix, iy+1)*(1-fx) + p.at(ix+1, iy+1)*fx
	return top*(1-fy) + bottom*fy
}
