package corners

import (
	"math"

	"github.com/golang/geo/r2"
)

// refineCorner moves p to the point where the image gradients inside a (2*half+1)² window are
// orthogonal to the vectors from p, the cornerSubPix criterion. If the estimate leaves the window
// the starting point is kept.
func refineCorner(img *plane, p r2.Point, half, maxIters int, eps float64) r2.Point {
	if half < 1 {
		return p
	}
	size := 2*half + 1
	mask := make([]float64, size)
	coeff := 1 / float64(half*half)
	for i := -half; i <= half; i++ {
		mask[i+half] = math.Exp(-float64(i*i) * coeff)
	}

	// sample window with a one pixel apron for the central differences
	side := size + 2
	sub := make([]float64, side*side)

	ci := p
	for iter := 0; iter < maxIters; iter++ {
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				sub[y*side+x] = img.bilinear(ci.X+float64(x-half-1), ci.Y+float64(y-half-1))
			}
		}

		var a, b, c, bb1, bb2 float64
		for i := -half; i <= half; i++ {
			py := float64(i)
			for j := -half; j <= half; j++ {
				px := float64(j)
				sy, sx := i+half+1, j+half+1
				gx := (sub[sy*side+sx+1] - sub[sy*side+sx-1]) * 0.5
				gy := (sub[(sy+1)*side+sx] - sub[(sy-1)*side+sx]) * 0.5
				m := mask[i+half] * mask[j+half]
				gxx := gx * gx * m
				gxy := gx * gy * m
				gyy := gy * gy * m
				a += gxx
				b += gxy
				c += gyy
				bb1 += gxx*px + gxy*py
				bb2 += gxy*px + gyy*py
			}
		}

		det := a*c - b*b
		if math.Abs(det) <= 1e-12 {
			break
		}
		scale := 1 / det
		next := r2.Point{
			X: ci.X + c*scale*bb1 - b*scale*bb2,
			Y: ci.Y - b*scale*bb1 + a*scale*bb2,
		}
		shift := next.Sub(ci).Norm()
		ci = next
		if ci.X < 0 || ci.Y < 0 || ci.X >= float64(img.w) || ci.Y >= float64(img.h) || shift <= eps {
			break
		}
	}

	if math.Abs(ci.X-p.X) > float64(half) || math.Abs(ci.Y-p.Y) > float64(half) {
		return p
	}
	return ci
}
