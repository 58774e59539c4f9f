package dataset

import "errors"

var (
	// ErrEmptyClass is returned when a class holds no valid image
	ErrEmptyClass = errors.New("class has no valid images")

	// ErrMissingClass is returned when a class folder does not exist
	ErrMissingClass = errors.New("class folder not found")

	// ErrEmptySplit is returned when the ratio leaves a split without images for a class
	ErrEmptySplit = errors.New("split has no images")
)
