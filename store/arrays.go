package store

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Arrays is the content of one artifact: named numeric arrays, each stored as <name>.npy.
// Numbers are written as float64 and strings as uint8 byte arrays.
type Arrays map[string]*tensor.Dense

// SetMatrix stores m with its 2-D shape.
func (a Arrays) SetMatrix(name string, m mat.Matrix) {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	a[name] = tensor.New(tensor.WithShape(r, c), tensor.WithBacking(data))
}

// SetVector stores v as a 1-D array.
func (a Arrays) SetVector(name string, v []float64) {
	a[name] = tensor.New(tensor.WithShape(len(v)), tensor.WithBacking(append([]float64(nil), v...)))
}

// SetScalar stores v as a one-element array.
func (a Arrays) SetScalar(name string, v float64) {
	a.SetVector(name, []float64{v})
}

// SetString stores s as its UTF-8 bytes.
func (a Arrays) SetString(name string, s string) {
	a[name] = tensor.New(tensor.WithShape(len(s)), tensor.WithBacking([]uint8(s)))
}

// Has reports whether the field is present.
func (a Arrays) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Matrix reads a 2-D field.
func (a Arrays) Matrix(name string) (*mat.Dense, error) {
	d, err := a.field(name)
	if err != nil {
		return nil, err
	}
	shape := d.Shape()
	if len(shape) != 2 || shape[0] == 0 || shape[1] == 0 {
		return nil, fmt.Errorf("%w: %s has shape %v, want a matrix", ErrArtifactCorrupt, name, shape)
	}
	data, err := floats(name, d)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(shape[0], shape[1], data), nil
}

// Vector reads a field of any shape flattened in row-major order.
func (a Arrays) Vector(name string) ([]float64, error) {
	d, err := a.field(name)
	if err != nil {
		return nil, err
	}
	return floats(name, d)
}

// Scalar reads a one-element field.
func (a Arrays) Scalar(name string) (float64, error) {
	v, err := a.Vector(name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: %s has %d elements, want 1", ErrArtifactCorrupt, name, len(v))
	}
	return v[0], nil
}

// String reads a byte field.
func (a Arrays) String(name string) (string, error) {
	d, err := a.field(name)
	if err != nil {
		return "", err
	}
	switch data := d.Data().(type) {
	case []uint8:
		return string(data), nil
	case uint8:
		return string([]uint8{data}), nil
	}
	// tolerate strings stored as numeric codes
	codes, err := floats(name, d)
	if err != nil {
		return "", err
	}
	b := make([]byte, len(codes))
	for i, c := range codes {
		if c < 0 || c > 255 {
			return "", fmt.Errorf("%w: %s is not a byte string", ErrArtifactCorrupt, name)
		}
		b[i] = byte(c)
	}
	return string(b), nil
}

func (a Arrays) field(name string) (*tensor.Dense, error) {
	d, ok := a[name]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: missing field %q", ErrArtifactCorrupt, name)
	}
	return d, nil
}

func floats(name string, d *tensor.Dense) ([]float64, error) {
	switch data := d.Data().(type) {
	case []float64:
		return append([]float64(nil), data...), nil
	case float64:
		return []float64{data}, nil
	case []float32:
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out, nil
	case float32:
		return []float64{float64(data)}, nil
	default:
		return nil, fmt.Errorf("%w: %s has unsupported dtype %v", ErrArtifactCorrupt, name, d.Dtype())
	}
}
