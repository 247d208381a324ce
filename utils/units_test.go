package utils

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

func vectorsAlmostEqual(v1, v2 r3.Vector, tol float64) bool {
	return abs(v1.X-v2.X) < tol && abs(v1.Y-v2.Y) < tol && abs(v1.Z-v2.Z) < tol
}

func abs(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}

func TestRadiansToDegrees(t *testing.T) {
	radians := []float64{-math.Pi, -math.Pi / 2, 0.0, math.Pi / 4, math.Pi / 2, 2 * math.Pi}
	expected := []float64{-180.0, -90.0, 0.0, 45.0, 90.0, 360.0}

	for i, rad := range radians {
		if deg := RadiansToDegrees(rad); abs(deg-expected[i]) > 1e-9 {
			t.Errorf("Radians to degrees failed: got %f, want %f", deg, expected[i])
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(5, 0, 1) != 1 || Clamp(-5, 0, 1) != 0 || Clamp(0.5, 0, 1) != 0.5 {
		t.Errorf("Clamp returned unexpected values")
	}
}

func TestPoseToMap(t *testing.T) {
	if PoseToMap(nil) != nil {
		t.Errorf("expected nil map for nil pose")
	}
	pose := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, &spatialmath.Quaternion{Real: 1})
	m := PoseToMap(pose)
	translation := m["translation"].(map[string]float64)
	if translation["x"] != 1 || translation["y"] != 2 || translation["z"] != 3 {
		t.Errorf("unexpected translation %v", translation)
	}
	orientation := m["orientation"].(map[string]float64)
	if abs(orientation["Real"]-1) > 1e-9 {
		t.Errorf("unexpected orientation %v", orientation)
	}
}

func TestPoseFromRotation(t *testing.T) {
	rvec := r3.Vector{Z: math.Pi / 2}
	pose, err := PoseFromRotation(Rodrigues(rvec), r3.Vector{X: 10})
	if err != nil {
		t.Fatalf("PoseFromRotation failed: %v", err)
	}
	if !vectorsAlmostEqual(pose.Point(), r3.Vector{X: 10}, 1e-9) {
		t.Errorf("unexpected translation %v", pose.Point())
	}
	// rotating X by 90 degrees about Z lands on Y
	rotated := spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(r3.Vector{X: 1})).Point()
	if !vectorsAlmostEqual(rotated, r3.Vector{X: 10, Y: 1}, 1e-9) {
		t.Errorf("unexpected rotated point %v", rotated)
	}
}

func TestMatrixRows(t *testing.T) {
	rows := MatrixRows(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}))
	if len(rows) != 2 || len(rows[0]) != 3 || rows[1][2] != 6 {
		t.Errorf("unexpected rows %v", rows)
	}
	if MatrixRows(nil) != nil {
		t.Errorf("expected nil rows for nil matrix")
	}
}
