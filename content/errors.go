package content

import (
	"errors"
	"fmt"
)

// ErrContent is matched by every validation failure raised while resolving content.
var ErrContent = errors.New("content: invalid content")

// Error describes why a content request was rejected.
type Error struct {
	Strategy Kind
	Field    string
	Reason   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("content: %s: %s", e.Strategy, e.Reason)
	}
	return fmt.Sprintf("content: %s: %s: %s", e.Strategy, e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return ErrContent }
