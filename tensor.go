package gsplat

import "fmt"

// Tensor is a dense float32 array with an explicit shape. Data is laid
// out row-major (last dimension contiguous). The zero value is the
// "absent" tensor, used for optional inputs such as backgrounds or an
// omitted covariance representation.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor allocates a zero-filled tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	return Tensor{Data: make([]float32, numel(shape)), Shape: shape}
}

// TensorOf wraps data in a tensor of the given shape. The data length
// must match the shape's element count.
func TensorOf(data []float32, shape ...int) (Tensor, error) {
	if len(data) != numel(shape) {
		return Tensor{}, fmt.Errorf("%w: data length %d does not match shape %v", ErrShapeMismatch, len(data), shape)
	}
	return Tensor{Data: data, Shape: shape}, nil
}

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// IsEmpty reports whether the tensor is the absent zero value.
func (t Tensor) IsEmpty() bool { return t.Data == nil && len(t.Shape) == 0 }

// Dim returns the size of dimension i. Negative i counts from the end,
// so Dim(-1) is the innermost dimension.
func (t Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// NumDims returns the number of dimensions.
func (t Tensor) NumDims() int { return len(t.Shape) }

// Reshape returns a view of the same data under a new shape with the
// same element count.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if numel(shape) != len(t.Data) {
		return Tensor{}, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return Tensor{Data: t.Data, Shape: shape}, nil
}

// batch returns the leading batch dimensions, everything before the
// trailing fixed dimensions.
func (t Tensor) batch(trailing int) []int {
	return t.Shape[:len(t.Shape)-trailing]
}

// Ints is a dense int32 array with an explicit shape, used for radii,
// ids and offsets. Integer outputs carry no gradient.
type Ints struct {
	Data  []int32
	Shape []int
}

// NewInts allocates a zero-filled int32 tensor of the given shape.
func NewInts(shape ...int) Ints {
	return Ints{Data: make([]int32, numel(shape)), Shape: shape}
}

// Len returns the number of elements.
func (t Ints) Len() int { return len(t.Data) }

// IsEmpty reports whether the tensor is the absent zero value.
func (t Ints) IsEmpty() bool { return t.Data == nil && len(t.Shape) == 0 }

// Dim returns the size of dimension i, counting from the end if i < 0.
func (t Ints) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Reshape returns a view of the same data under a new shape.
func (t Ints) Reshape(shape ...int) (Ints, error) {
	if numel(shape) != len(t.Data) {
		return Ints{}, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return Ints{Data: t.Data, Shape: shape}, nil
}

func (t Ints) batch(trailing int) []int {
	return t.Shape[:len(t.Shape)-trailing]
}

// numel returns the element count of a shape. The empty shape has one
// element (a scalar); any zero dimension yields zero.
func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// wantDims checks that the shape has the given trailing dimensions and
// at least that many dims overall. A negative entry matches any size.
// name is used in the error message.
func wantDims(name string, shape []int, trailing ...int) error {
	if len(shape) < len(trailing) {
		return fmt.Errorf("%w: %s has shape %v, want trailing dims %v", ErrShapeMismatch, name, shape, trailing)
	}
	off := len(shape) - len(trailing)
	for i, d := range trailing {
		if d >= 0 && shape[off+i] != d {
			return fmt.Errorf("%w: %s has shape %v, want trailing dims %v", ErrShapeMismatch, name, shape, trailing)
		}
	}
	return nil
}

// sameBatch checks that all given batch prefixes are identical and
// returns the shared batch shape.
func sameBatch(batches ...[]int) ([]int, error) {
	if len(batches) == 0 {
		return nil, nil
	}
	first := batches[0]
	for _, b := range batches[1:] {
		if !shapeEqual(first, b) {
			return nil, fmt.Errorf("%w: batch dims %v vs %v", ErrShapeMismatch, first, b)
		}
	}
	return first, nil
}
