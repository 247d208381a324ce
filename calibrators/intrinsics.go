package calibrators

import (
	"context"
	"fmt"
	"image"
	"math"
	"stereoposetracker/store"
	"stereoposetracker/utils"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Intrinsics artifact fields.
const (
	fieldCameraMatrix = "camera_matrix"
	fieldDistCoeffs   = "dist_coeffs"
	fieldReprojError  = "reproj_error"
)

// Intrinsics is the result of a monocular calibration.
type Intrinsics struct {
	CameraMatrix *mat.Dense
	// DistCoeffs in OpenCV order: k1, k2, p1, p2, k3.
	DistCoeffs           []float64
	ReprojectionError    float64
	HasReprojectionError bool
	// PerViewErrors is the RMS error of every observation after a solve. It is not persisted.
	PerViewErrors []float64
}

// Model returns the projection model of the camera.
func (in Intrinsics) Model(size image.Point) (*utils.CameraModel, error) {
	return utils.NewCameraModel(in.CameraMatrix, in.DistCoeffs, size)
}

// Validate checks the invariants of a usable calibration.
func (in Intrinsics) Validate() error {
	if _, err := in.Model(image.Point{}); err != nil {
		return fmt.Errorf("%w: %w", ErrCalibrationFailure, err)
	}
	if in.HasReprojectionError && (math.IsNaN(in.ReprojectionError) || math.IsInf(in.ReprojectionError, 0) || in.ReprojectionError < 0) {
		return fmt.Errorf("%w: invalid reprojection error %v", ErrCalibrationFailure, in.ReprojectionError)
	}
	return nil
}

func (in Intrinsics) clone() Intrinsics {
	out := in
	if in.CameraMatrix != nil {
		out.CameraMatrix = mat.DenseCopyOf(in.CameraMatrix)
	}
	out.DistCoeffs = append([]float64(nil), in.DistCoeffs...)
	out.PerViewErrors = append([]float64(nil), in.PerViewErrors...)
	return out
}

func intrinsicsArrays(in Intrinsics) store.Arrays {
	a := store.Arrays{}
	a.SetMatrix(fieldCameraMatrix, in.CameraMatrix)
	a.SetMatrix(fieldDistCoeffs, mat.NewDense(1, len(in.DistCoeffs), append([]float64(nil), in.DistCoeffs...)))
	if in.HasReprojectionError {
		a.SetScalar(fieldReprojError, in.ReprojectionError)
	}
	return a
}

func intrinsicsFromArrays(a store.Arrays) (Intrinsics, error) {
	k, err := a.Matrix(fieldCameraMatrix)
	if err != nil {
		return Intrinsics{}, err
	}
	if r, c := k.Dims(); r != 3 || c != 3 {
		return Intrinsics{}, fmt.Errorf("%w: camera_matrix is %dx%d", store.ErrArtifactCorrupt, r, c)
	}
	dist, err := a.Vector(fieldDistCoeffs)
	if err != nil {
		return Intrinsics{}, err
	}
	in := Intrinsics{CameraMatrix: k, DistCoeffs: dist}
	if a.Has(fieldReprojError) {
		if in.ReprojectionError, err = a.Scalar(fieldReprojError); err != nil {
			return Intrinsics{}, err
		}
		in.HasReprojectionError = true
	}
	if _, err := in.Model(image.Point{}); err != nil {
		return Intrinsics{}, fmt.Errorf("%w: %w", store.ErrArtifactCorrupt, err)
	}
	return in, nil
}

// SaveIntrinsics writes in to path.
func SaveIntrinsics(ctx context.Context, path string, in Intrinsics, lockTimeout time.Duration) error {
	if in.CameraMatrix == nil {
		return ErrNotCalibrated
	}
	if err := store.Save(ctx, path, intrinsicsArrays(in), lockTimeout); err != nil {
		return fmt.Errorf("failed to save intrinsics: %w", err)
	}
	return nil
}

// LoadIntrinsics reads the intrinsics stored at path.
func LoadIntrinsics(ctx context.Context, path string, lockTimeout time.Duration) (Intrinsics, error) {
	a, err := store.Load(ctx, path, lockTimeout)
	if err != nil {
		return Intrinsics{}, fmt.Errorf("failed to load intrinsics: %w", err)
	}
	return intrinsicsFromArrays(a)
}
