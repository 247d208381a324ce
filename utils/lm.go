package utils

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LeastSquaresProblem is a nonlinear least-squares objective. Residuals writes NumResiduals values
// into dst for parameters x and must not modify x.
type LeastSquaresProblem struct {
	NumResiduals int
	Residuals    func(dst, x []float64)
}

// LMSettings controls the Levenberg–Marquardt termination criteria.
type LMSettings struct {
	MaxIterations     int
	FunctionTolerance float64 // relative decrease of the cost
	StepTolerance     float64 // relative size of an accepted step
	InitialDamping    float64
}

// DefaultLMSettings mirrors the iteration budget used for calibration solves.
func DefaultLMSettings() *LMSettings {
	return &LMSettings{
		MaxIterations:     100,
		FunctionTolerance: 1e-10,
		StepTolerance:     1e-10,
		InitialDamping:    1e-3,
	}
}

// LMResult holds the optimum found by LevenbergMarquardt.
type LMResult struct {
	X          []float64
	Cost       float64 // sum of squared residuals
	Iterations int
	Converged  bool
}

var errNonFiniteResiduals = errors.New("residuals are not finite")

const (
	maxDamping = 1e16
	minDamping = 1e-15
)

// LevenbergMarquardt minimizes the sum of squared residuals starting at x0. The Jacobian is
// estimated with central finite differences.
func LevenbergMarquardt(problem LeastSquaresProblem, x0 []float64, settings *LMSettings) (*LMResult, error) {
	if settings == nil {
		settings = DefaultLMSettings()
	}
	n := len(x0)
	m := problem.NumResiduals
	if n == 0 || m == 0 {
		return nil, errors.New("empty least squares problem")
	}

	x := append([]float64(nil), x0...)
	r := make([]float64, m)
	problem.Residuals(r, x)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fmt.Errorf("initial %w", errNonFiniteResiduals)
	}

	lambda := settings.InitialDamping
	jac := mat.NewDense(m, n, nil)
	jacSettings := &fd.JacobianSettings{Formula: fd.Central}
	var jtj mat.SymDense
	g := mat.NewVecDense(n, nil)
	dx := mat.NewVecDense(n, nil)
	xNew := make([]float64, n)
	rNew := make([]float64, m)

	result := &LMResult{}
	for result.Iterations < settings.MaxIterations {
		result.Iterations++
		if cost == 0 {
			result.Converged = true
			break
		}

		fd.Jacobian(jac, problem.Residuals, x, jacSettings)
		jtj.SymOuterK(1, jac.T())
		g.MulVec(jac.T(), mat.NewVecDense(m, r))
		if mat.Norm(g, math.Inf(1)) < 1e-15 {
			result.Converged = true
			break
		}

		maxDiag := 0.0
		for i := 0; i < n; i++ {
			maxDiag = math.Max(maxDiag, jtj.At(i, i))
		}

		accepted := false
		for !accepted {
			a := mat.NewSymDense(n, nil)
			a.CopySym(&jtj)
			for i := 0; i < n; i++ {
				d := math.Max(jtj.At(i, i), 1e-12*maxDiag)
				a.SetSym(i, i, jtj.At(i, i)+lambda*d)
			}
			var chol mat.Cholesky
			if !chol.Factorize(a) {
				lambda *= 10
				if lambda > maxDamping {
					break
				}
				continue
			}
			if err := chol.SolveVecTo(dx, g); err != nil {
				lambda *= 10
				if lambda > maxDamping {
					break
				}
				continue
			}
			for i := 0; i < n; i++ {
				xNew[i] = x[i] - dx.AtVec(i)
			}
			problem.Residuals(rNew, xNew)
			newCost := floats.Dot(rNew, rNew)
			if math.IsNaN(newCost) || math.IsInf(newCost, 0) || newCost >= cost {
				lambda *= 10
				if lambda > maxDamping {
					break
				}
				continue
			}

			accepted = true
			decrease := cost - newCost
			stepNorm := mat.Norm(dx, 2)
			xNorm := floats.Norm(x, 2)
			copy(x, xNew)
			copy(r, rNew)
			cost = newCost
			lambda = math.Max(lambda/10, minDamping)

			if decrease <= settings.FunctionTolerance*cost || stepNorm <= settings.StepTolerance*(xNorm+settings.StepTolerance) {
				result.Converged = true
			}
		}
		if !accepted {
			// no step decreases the cost any further
			result.Converged = true
		}
		if result.Converged {
			break
		}
	}

	result.X = x
	result.Cost = cost
	return result, nil
}
