package corners

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/golang/geo/r2"
)

// Draw returns a copy of img with a cross on every corner. When the board was found consecutive
// corners are joined, which makes the detected ordering visible.
func Draw(img image.Image, pts []r2.Point, found bool, c color.Color, size int) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	if size <= 0 {
		size = 4
	}

	if found {
		for i := 1; i < len(pts); i++ {
			drawLine(rgba, pts[i-1], pts[i], c)
		}
	}
	for _, p := range pts {
		x, y := int(math.Round(p.X))+bounds.Min.X, int(math.Round(p.Y))+bounds.Min.Y
		for d := -size; d <= size; d++ {
			setIn(rgba, x+d, y, c)
			setIn(rgba, x, y+d, c)
		}
	}
	return rgba
}

func drawLine(img *image.RGBA, a, b r2.Point, c color.Color) {
	steps := int(math.Ceil(math.Max(math.Abs(b.X-a.X), math.Abs(b.Y-a.Y))))
	min := img.Bounds().Min
	for s := 0; s <= steps; s++ {
		t := 0.0
		if steps > 0 {
			t = float64(s) / float64(steps)
		}
		p := a.Add(b.Sub(a).Mul(t))
		setIn(img, int(math.Round(p.X))+min.X, int(math.Round(p.Y))+min.Y, c)
	}
}

func setIn(img *image.RGBA, x, y int, c color.Color) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}
