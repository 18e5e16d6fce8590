package services

import (
	"errors"
	"fmt"
)

// ErrNoBoundaries is the fatal segmentation failure: not a single question
// boundary was found in the document. It is the only condition that aborts
// a whole paper.
var ErrNoBoundaries = errors.New("no question boundaries found")

// SegmentationError wraps a fatal segmentation failure for one paper
type SegmentationError struct {
	PaperLabel string
	Err        error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation failed for %s: %v", e.PaperLabel, e.Err)
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// ClassificationServiceError records a failed or timed-out external
// classification call. It is always recovered locally via the fallback
// tier and never aborts a batch.
type ClassificationServiceError struct {
	Batch int
	Err   error
}

func (e *ClassificationServiceError) Error() string {
	return fmt.Sprintf("classification service failed for batch %d: %v", e.Batch, e.Err)
}

func (e *ClassificationServiceError) Unwrap() error { return e.Err }

// ErrNoUnitsSelected is returned by the assembler when the criteria match
// nothing at all.
var ErrNoUnitsSelected = errors.New("no question units match the given criteria")
