package face

import "errors"

// ErrModelLoad indicates the embedding model could not be made ready.
// The wrapped message names the source that was tried.
var ErrModelLoad = errors.New("face model load failed")

// ErrNoFaceDetected is the normal empty result of the embedding step.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrDimensionMismatch indicates stored vectors of incompatible lengths.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
