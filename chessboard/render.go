package chessboard

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"stereoposetracker/utils"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"
)

// A4 paper size in millimeters.
const (
	a4ShortMM = 210.0
	a4LongMM  = 297.0
	mmPerInch = 25.4
)

const (
	blackLevel = 20
	whiteLevel = 235
)

func mmToPx(mm float64, dpi int) int {
	return int(math.Round(mm / mmPerInch * float64(dpi)))
}

// RenderPrintable draws the board centered on an A4 page at the given resolution. The board has
// (Cols+1)x(Rows+1) squares with a black square in the top-left corner.
func RenderPrintable(g Geometry, dpi int, landscape bool) (*image.Gray, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if dpi <= 0 {
		return nil, fmt.Errorf("dpi must be positive, got %d", dpi)
	}
	pageW, pageH := a4ShortMM, a4LongMM
	if landscape {
		pageW, pageH = pageH, pageW
	}
	canvasW, canvasH := mmToPx(pageW, dpi), mmToPx(pageH, dpi)
	sq := mmToPx(g.SquareSize, dpi)
	if sq == 0 {
		return nil, fmt.Errorf("square size %gmm is below one pixel at %d dpi", g.SquareSize, dpi)
	}
	boardW, boardH := (g.Cols+1)*sq, (g.Rows+1)*sq
	if boardW > canvasW || boardH > canvasH {
		return nil, fmt.Errorf("board %dx%dpx does not fit on A4 (%dx%dpx), use smaller squares or landscape",
			boardW, boardH, canvasW, canvasH)
	}
	offX, offY := (canvasW-boardW)/2, (canvasH-boardH)/2

	img := image.NewGray(image.Rect(0, 0, canvasW, canvasH))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 0; y < boardH; y++ {
		row := img.Pix[(offY+y)*img.Stride:]
		for x := 0; x < boardW; x++ {
			if (y/sq+x/sq)%2 == 0 {
				row[offX+x] = 0
			}
		}
	}
	return img, nil
}

// View places a pinhole camera relative to the board: a board point p lands at R·p + T in the
// camera frame, with R given as an axis-angle vector.
type View struct {
	Intrinsics  *transform.PinholeCameraIntrinsics
	Distortion  *transform.BrownConrady
	Rotation    r3.Vector
	Translation r3.Vector
	Supersample int
}

// RenderView renders what the camera described by v sees of the board lying on a white plane.
// Pixel centers sit at integer coordinates.
func RenderView(g Geometry, v View) (*image.Gray, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if v.Intrinsics == nil {
		return nil, errors.New("view intrinsics are required")
	}
	if err := v.Intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	ss := v.Supersample
	if ss <= 0 {
		ss = 1
	}
	cam := &utils.CameraModel{Intrinsics: v.Intrinsics, Distortion: v.Distortion}
	rot := utils.Rodrigues(v.Rotation)
	// board frame: X_b = s·Rᵀn − Rᵀt
	rtT := mat.DenseCopyOf(rot.T())
	b := utils.Rotate(rtT, v.Translation)

	img := image.NewGray(image.Rect(0, 0, v.Intrinsics.Width, v.Intrinsics.Height))
	samples := float64(ss * ss)
	for y := 0; y < v.Intrinsics.Height; y++ {
		for x := 0; x < v.Intrinsics.Width; x++ {
			sum := 0.0
			for sy := 0; sy < ss; sy++ {
				for sx := 0; sx < ss; sx++ {
					px := r2.Point{
						X: float64(x) + (float64(sx)+0.5)/float64(ss) - 0.5,
						Y: float64(y) + (float64(sy)+0.5)/float64(ss) - 0.5,
					}
					sum += g.intensityAlongRay(cam.Normalize(px), rtT, b)
				}
			}
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(sum / samples))})
		}
	}
	return img, nil
}

func (g Geometry) intensityAlongRay(n r2.Point, rtT *mat.Dense, b r3.Vector) float64 {
	a := r3.Vector{
		X: rtT.At(0, 0)*n.X + rtT.At(0, 1)*n.Y + rtT.At(0, 2),
		Y: rtT.At(1, 0)*n.X + rtT.At(1, 1)*n.Y + rtT.At(1, 2),
		Z: rtT.At(2, 0)*n.X + rtT.At(2, 1)*n.Y + rtT.At(2, 2),
	}
	if math.Abs(a.Z) < 1e-12 {
		return whiteLevel
	}
	s := b.Z / a.Z
	if s <= 0 {
		return whiteLevel
	}
	p := a.Mul(s).Sub(b)
	ix := int(math.Floor(p.X/g.SquareSize)) + 1
	iy := int(math.Floor(p.Y/g.SquareSize)) + 1
	if ix < 0 || iy < 0 || ix > g.Cols || iy > g.Rows {
		return whiteLevel
	}
	if (ix+iy)%2 == 0 {
		return blackLevel
	}
	return whiteLevel
}
