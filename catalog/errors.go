package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/brickvault/catalog/internal/session"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

var (
	// ErrNotFound is returned by Get for unknown codes.
	ErrNotFound = store.ErrNotFound

	// ErrKindNotTargeted is returned when a batch asks for a kind outside
	// the configured kind set.
	ErrKindNotTargeted = errors.New("catalog: kind not targeted")
)

// AuthError aborts a batch: the session could not (re)authenticate.
type AuthError = session.AuthError

// PersistenceError aborts a batch: the backup or the write transaction
// failed and nothing of the batch was written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Stage names the pipeline step an item failed at.
type Stage string

const (
	StageCode  Stage = "code"
	StageFetch Stage = "fetch"
	StageParse Stage = "parse"
	StageTheme Stage = "theme"
	StageImage Stage = "image"
	StageStore Stage = "store"
	StageLink  Stage = "link"
)

// ItemError is a per-identifier failure collected into a result. It never
// aborts the batch.
type ItemError struct {
	Code  string
	Stage Stage
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Code, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// MarshalJSON renders the error for JSON reports.
func (e ItemError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Code  string `json:"code"`
		Stage Stage  `json:"stage"`
		Error string `json:"error"`
	}{e.Code, e.Stage, msg})
}
