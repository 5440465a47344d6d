package parse

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

var (
	// ErrNotFound marks a page that is the site's "not found" page or has
	// none of the entity anchors.
	ErrNotFound = errors.New("parse: entity not found")

	// ErrUnrecognized marks a page that has some content but not the
	// expected entity layout.
	ErrUnrecognized = errors.New("parse: unrecognized page layout")
)

// ParseError reports why a page could not be turned into RawFields.
type ParseError struct {
	Code   string
	Kind   store.Kind
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s %s: %s", e.Kind, e.Code, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
