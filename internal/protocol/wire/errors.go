package wire

import "errors"

var (
	ErrUnsupportedCharset = errors.New("wire: unsupported charset")
	ErrCharset            = errors.New("wire: charset conversion failed")
	ErrNegativeLength     = errors.New("wire: negative length prefix")
	ErrAllocationTooLarge = errors.New("wire: allocation exceeds limit")
	ErrInvalidBool        = errors.New("wire: invalid bool value")
	ErrTruncated          = errors.New("wire: truncated body")
)
