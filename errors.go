package gsplat

import "errors"

// Usage errors returned by the batched operations. They indicate a
// malformed call and are detectable before any computation starts; test
// for them with errors.Is. Numerical degeneracies (near-singular
// covariances, culled gaussians, saturated transmittance) are never
// reported as errors: they surface as invalid entries or clamped values.
var (
	// ErrMissingCovariance is returned when neither a covariance tensor
	// nor a quaternion+scale pair is supplied to ProjectGaussians.
	ErrMissingCovariance = errors.New("gsplat: no covariance representation: supply covars or quats+scales")

	// ErrConflictingCovariance is returned when both a covariance tensor
	// and a quaternion+scale pair are supplied to ProjectGaussians.
	ErrConflictingCovariance = errors.New("gsplat: conflicting covariance representations: supply covars or quats+scales, not both")

	// ErrUnknownCameraModel is returned for a camera model tag outside
	// the supported {Pinhole, Ortho, Fisheye} set.
	ErrUnknownCameraModel = errors.New("gsplat: unknown camera model")

	// ErrShapeMismatch is returned when tensor shapes or batch
	// dimensions disagree with the operation's contract.
	ErrShapeMismatch = errors.New("gsplat: shape mismatch")

	// ErrInvalidDimensions is returned for non-positive image or tile
	// dimensions.
	ErrInvalidDimensions = errors.New("gsplat: invalid dimensions")
)
