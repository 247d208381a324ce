package trackers

import (
	"errors"
	"fmt"
	"math"
	"stereoposetracker/calibrators"
	"stereoposetracker/utils"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// ErrInvalidCorrespondences is returned for point lists of different lengths or with non-finite values.
var ErrInvalidCorrespondences = errors.New("invalid correspondences")

// Triangulator recovers 3D points from pixel correspondences of a calibrated stereo pair. Points
// are expressed in camera 1's frame, in the units of the calibration board.
type Triangulator struct {
	params     *calibrators.StereoParameters
	cam1, cam2 *utils.CameraModel
	rot        *mat.Dense
	t          r3.Vector
	// projection matrices acting on normalized coordinates: [I|0] and [R|T]
	proj1, proj2 *mat.Dense

	// Refine polishes every valid DLT point by minimizing its pixel reprojection error.
	Refine bool
}

// NewTriangulator builds a triangulator. It keeps its own copy of the parameters.
func NewTriangulator(params *calibrators.StereoParameters) (*Triangulator, error) {
	if params == nil {
		return nil, errors.New("stereo parameters are required")
	}
	if params.R == nil {
		return nil, errors.New("stereo rotation is required")
	}
	if r, c := params.R.Dims(); r != 3 || c != 3 {
		return nil, fmt.Errorf("stereo rotation must be 3x3, got %dx%d", r, c)
	}
	cam1, cam2, err := params.Models()
	if err != nil {
		return nil, err
	}
	rot := mat.DenseCopyOf(params.R)

	proj1 := mat.NewDense(3, 4, nil)
	proj1.Slice(0, 3, 0, 3).(*mat.Dense).Copy(utils.Identity(3))
	proj2 := mat.NewDense(3, 4, nil)
	proj2.Slice(0, 3, 0, 3).(*mat.Dense).Copy(rot)
	proj2.Set(0, 3, params.T.X)
	proj2.Set(1, 3, params.T.Y)
	proj2.Set(2, 3, params.T.Z)

	copied := *params
	copied.K1, copied.K2 = mat.DenseCopyOf(params.K1), mat.DenseCopyOf(params.K2)
	copied.D1, copied.D2 = append([]float64(nil), params.D1...), append([]float64(nil), params.D2...)
	copied.R = mat.DenseCopyOf(params.R)
	for _, m := range []**mat.Dense{&copied.R1, &copied.R2, &copied.P1, &copied.P2, &copied.Q} {
		if *m != nil {
			*m = mat.DenseCopyOf(*m)
		}
	}
	return &Triangulator{
		params: &copied,
		cam1:   cam1,
		cam2:   cam2,
		rot:    rot,
		t:      params.T,
		proj1:  proj1,
		proj2:  proj2,
	}, nil
}

// StereoParameters returns the calibration the triangulator was built from.
func (tr *Triangulator) StereoParameters() *calibrators.StereoParameters {
	return tr.params
}

// Triangulate returns the 3D position of every correspondence and whether it lies in front of
// both cameras. Positions are returned for invalid points as well; a point at infinity comes back
// as the zero vector.
func (tr *Triangulator) Triangulate(p1, p2 []r2.Point) ([]r3.Vector, []bool, error) {
	if err := checkCorrespondences(p1, p2); err != nil {
		return nil, nil, err
	}
	points := make([]r3.Vector, len(p1))
	valid := make([]bool, len(p1))
	for i := range p1 {
		x, ok := tr.triangulateNormalized(tr.cam1.Normalize(p1[i]), tr.cam2.Normalize(p2[i]))
		if ok && tr.Refine {
			x = tr.refine(x, p1[i], p2[i])
		}
		points[i] = x
		valid[i] = ok && tr.inFront(x)
	}
	return points, valid, nil
}

// triangulateNormalized solves the homogeneous DLT system built from both projection matrices.
func (tr *Triangulator) triangulateNormalized(n1, n2 r2.Point) (r3.Vector, bool) {
	a := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		a.Set(0, j, n1.X*tr.proj1.At(2, j)-tr.proj1.At(0, j))
		a.Set(1, j, n1.Y*tr.proj1.At(2, j)-tr.proj1.At(1, j))
		a.Set(2, j, n2.X*tr.proj2.At(2, j)-tr.proj2.At(0, j))
		a.Set(3, j, n2.Y*tr.proj2.At(2, j)-tr.proj2.At(1, j))
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, true
}

func (tr *Triangulator) inFront(x r3.Vector) bool {
	return x.Z > 0 && tr.toCamera2(x).Z > 0
}

func (tr *Triangulator) toCamera2(x r3.Vector) r3.Vector {
	return utils.Rotate(tr.rot, x).Add(tr.t)
}

// ReprojectionError is the RMS pixel error of projecting points into both cameras, taken over
// every coordinate of both views.
func (tr *Triangulator) ReprojectionError(points []r3.Vector, p1, p2 []r2.Point) (float64, error) {
	if err := checkCorrespondences(p1, p2); err != nil {
		return 0, err
	}
	if len(points) != len(p1) {
		return 0, fmt.Errorf("%w: %d points for %d correspondences", ErrInvalidCorrespondences, len(points), len(p1))
	}
	if len(points) == 0 {
		return 0, nil
	}
	sum := 0.0
	for i, x := range points {
		d1 := tr.cam1.Project(x).Sub(p1[i])
		d2 := tr.cam2.Project(tr.toCamera2(x)).Sub(p2[i])
		sum += d1.X*d1.X + d1.Y*d1.Y + d2.X*d2.X + d2.Y*d2.Y
	}
	return math.Sqrt(sum / float64(4*len(points))), nil
}

// reprojectionResiduals scores a single 3D point against its two observations.
type reprojectionResiduals struct {
	tr     *Triangulator
	p1, p2 r2.Point
}

func (r *reprojectionResiduals) Func(params []float64) float64 {
	sum := 0.0
	for _, v := range r.Residuals(params) {
		sum += v * v
	}
	return sum
}

func (r *reprojectionResiduals) Residuals(params []float64) []float64 {
	x := r3.Vector{X: params[0], Y: params[1], Z: params[2]}
	x2 := r.tr.toCamera2(x)
	if x.Z <= 0 || x2.Z <= 0 {
		return []float64{1e6, 1e6, 1e6, 1e6}
	}
	d1 := r.tr.cam1.Project(x).Sub(r.p1)
	d2 := r.tr.cam2.Project(x2).Sub(r.p2)
	return []float64{d1.X, d1.Y, d2.X, d2.Y}
}

// refine starts from the DLT estimate and keeps the result only when it lowers the pixel error.
func (tr *Triangulator) refine(x r3.Vector, p1, p2 r2.Point) r3.Vector {
	rf := &reprojectionResiduals{tr: tr, p1: p1, p2: p2}
	x0 := []float64{x.X, x.Y, x.Z}
	start := rf.Func(x0)

	settings := &optimize.Settings{
		FuncEvaluations: 2000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 50,
		},
	}
	// hitting the evaluation limit still leaves a usable best point
	result, _ := optimize.Minimize(optimize.Problem{Func: rf.Func}, x0, settings, &optimize.NelderMead{})
	if result == nil || result.F >= start {
		return x
	}
	return r3.Vector{X: result.X[0], Y: result.X[1], Z: result.X[2]}
}

func checkCorrespondences(p1, p2 []r2.Point) error {
	if len(p1) != len(p2) {
		return fmt.Errorf("%w: %d points in camera 1, %d in camera 2", ErrInvalidCorrespondences, len(p1), len(p2))
	}
	for i := range p1 {
		if !utils.IsFinitePoint(p1[i]) || !utils.IsFinitePoint(p2[i]) {
			return fmt.Errorf("%w: correspondence %d is not finite", ErrInvalidCorrespondences, i)
		}
	}
	return nil
}
