package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInputInaccessible  = errors.New("input directory is inaccessible")
	ErrOutputInaccessible = errors.New("output directory is inaccessible")
	ErrStagingUnavailable = errors.New("staging directory could not be prepared")

	ErrDecode         = errors.New("decode failure")
	ErrEncode         = errors.New("encode failure")
	ErrWrite          = errors.New("write failure")
	ErrCrop           = errors.New("crop failure")
	ErrStagingCleanup = errors.New("staging cleanup failure")
)

type Stage string

const (
	StageFlatten Stage = "flatten"
	StageResize  Stage = "resize"
)

// ItemError is a non-fatal failure of a single file within a batch.
type ItemError struct {
	Name  string
	Stage Stage
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Name, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Kind returns the failure sentinel the item error wraps, or nil.
func (e *ItemError) Kind() error {
	for _, kind := range []error{ErrDecode, ErrEncode, ErrWrite, ErrCrop} {
		if errors.Is(e.Err, kind) {
			return kind
		}
	}
	return nil
}
