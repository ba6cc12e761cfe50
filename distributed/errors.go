package distributed

import "errors"

var (
	ErrChildLimitReached  = errors.New("distributed: child limit reached")
	ErrChildrenDisabled   = errors.New("distributed: inbound children disabled")
	ErrNoParentCandidates = errors.New("distributed: no parent candidate could be established")
)
