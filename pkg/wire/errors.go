package wire

import "errors"

// ErrNoOutstandingBlock is returned by MarkTxMemBlock when called
// without a matching prior GetTxMemBlock allocation.
var ErrNoOutstandingBlock = errors.New("wire: no outstanding tx memory block")
