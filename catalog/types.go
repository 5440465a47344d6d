package catalog

import (
	"github.com/hazyhaar/brickvault/catalog/internal/backup"
	"github.com/hazyhaar/brickvault/catalog/internal/matrix"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// Domain types shared with the store.
type (
	Item        = store.Item
	Kind        = store.Kind
	Money       = store.Money
	Filter      = store.Filter
	Stats       = store.Stats
	Run         = store.Run
	Association = store.Association
	Matrix      = matrix.Matrix
	Backup      = backup.Backup
)

const (
	KindSet          = store.KindSet
	KindSubComponent = store.KindSubComponent
)

// ParseKind accepts "set", "subcomponent" and "minifig".
func ParseKind(s string) (Kind, error) { return store.ParseKind(s) }
