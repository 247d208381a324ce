package utils

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle rotation vector into a 3x3 rotation matrix.
func Rodrigues(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	if theta < 1e-12 {
		// first order expansion: I + [v]x
		return mat.NewDense(3, 3, []float64{
			1, -v.Z, v.Y,
			v.Z, 1, -v.X,
			-v.Y, v.X, 1,
		})
	}
	k := v.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	c1 := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*c1, k.X*k.Y*c1 - k.Z*s, k.X*k.Z*c1 + k.Y*s,
		k.Y*k.X*c1 + k.Z*s, c + k.Y*k.Y*c1, k.Y*k.Z*c1 - k.X*s,
		k.Z*k.X*c1 - k.Y*s, k.Z*k.Y*c1 + k.X*s, c + k.Z*k.Z*c1,
	})
}

// RotationVector converts a rotation matrix into its axis-angle vector, handling the theta≈pi case.
func RotationVector(rot mat.Matrix) r3.Vector {
	r := r3.Vector{
		X: rot.At(2, 1) - rot.At(1, 2),
		Y: rot.At(0, 2) - rot.At(2, 0),
		Z: rot.At(1, 0) - rot.At(0, 1),
	}
	s := math.Sqrt((r.X*r.X + r.Y*r.Y + r.Z*r.Z) * 0.25)
	c := Clamp((rot.At(0, 0)+rot.At(1, 1)+rot.At(2, 2)-1)*0.5, -1, 1)

	if s < 1e-5 {
		if c > 0 {
			return r.Mul(0.5)
		}
		t := (rot.At(0, 0) + 1) * 0.5
		r.X = math.Sqrt(math.Max(t, 0))
		t = (rot.At(1, 1) + 1) * 0.5
		r.Y = math.Copysign(math.Sqrt(math.Max(t, 0)), signOrOne(rot.At(0, 1)))
		t = (rot.At(2, 2) + 1) * 0.5
		r.Z = math.Copysign(math.Sqrt(math.Max(t, 0)), signOrOne(rot.At(0, 2)))
		if math.Abs(r.X) < math.Abs(r.Y) && math.Abs(r.X) < math.Abs(r.Z) && (rot.At(1, 2) > 0) != (r.Y*r.Z > 0) {
			r.Z = -r.Z
		}
		n := r.Norm()
		if n == 0 {
			return r3.Vector{}
		}
		return r.Mul(math.Pi / n)
	}
	theta := math.Acos(c)
	return r.Mul(theta / (2 * s))
}

func signOrOne(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// NearestRotation projects a 3x3 matrix onto SO(3) using its SVD.
func NearestRotation(m mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return Identity(3)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r
}

// Identity returns an n x n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Rotate applies a 3x3 rotation to a vector.
func Rotate(rot mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z,
		Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z,
		Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z,
	}
}

// ComposePose returns the pose (rb·ra, rb·ta + tb), i.e. applying (ra, ta) first.
func ComposePose(ra r3.Vector, ta r3.Vector, rb r3.Vector, tb r3.Vector) (r3.Vector, r3.Vector) {
	Ra := Rodrigues(ra)
	Rb := Rodrigues(rb)
	var r mat.Dense
	r.Mul(Rb, Ra)
	return RotationVector(&r), Rotate(Rb, ta).Add(tb)
}
