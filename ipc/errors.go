package ipc

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

var (
	// ErrSlicedArray is returned when an array with a non-zero slice offset
	// is serialized. The codec only handles arrays that own their buffers
	// from element zero.
	ErrSlicedArray = errors.New("sliced arrays cannot be serialized")

	// ErrInvalidMessage is returned when a metadata region does not parse
	// as an encapsulated record batch message.
	ErrInvalidMessage = errors.New("metadata region does not hold a record batch message")
)

// UnsupportedTypeError reports a column type outside the codec's subset.
type UnsupportedTypeError struct {
	DataType arrow.DataType
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported column type %s", e.DataType)
}
