package utils

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// Helper to convert spatialmath.Pose to a user-friendly map
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	pos := pose.Point()
	ori := pose.Orientation().Quaternion()
	return map[string]interface{}{
		"translation": VectorToMap(pos),
		"orientation": map[string]float64{
			"Imag": ori.Imag,
			"Jmag": ori.Jmag,
			"Kmag": ori.Kmag,
			"Real": ori.Real,
		},
	}
}

// VectorToMap converts a vector to an {x, y, z} map.
func VectorToMap(v r3.Vector) map[string]float64 {
	return map[string]float64{
		"x": v.X,
		"y": v.Y,
		"z": v.Z,
	}
}

// MatrixRows copies a matrix into nested slices, row by row.
func MatrixRows(m mat.Matrix) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

// PoseFromRotation builds a spatialmath pose from a 3x3 rotation matrix and a translation.
// spatialmath.RotationMatrix is column-major, so the data goes in transposed.
func PoseFromRotation(rot mat.Matrix, t r3.Vector) (spatialmath.Pose, error) {
	data := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			data = append(data, rot.At(j, i))
		}
	}
	rm, err := spatialmath.NewRotationMatrix(data)
	if err != nil {
		return nil, err
	}
	return spatialmath.NewPose(t, rm), nil
}

// Clamp clamps a value between min and max
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

func RadiansToDegrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}
