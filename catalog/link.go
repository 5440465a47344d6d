package catalog

import (
	"context"
	"errors"

	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/catalog/internal/normalize"
	"github.com/hazyhaar/brickvault/catalog/internal/parse"
	"github.com/hazyhaar/brickvault/catalog/internal/session"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// LinkSummary counts what one Link pass did.
type LinkSummary struct {
	Sets         int         `json:"sets"`
	Associations int         `json:"associations"`
	Placeholders int         `json:"placeholders"`
	Errors       []ItemError `json:"errors,omitempty"`
}

// Link fetches each set page and records its sub-component references.
// Unknown sub-components get placeholder rows. Re-linking an unchanged set
// writes nothing.
func (s *Service) Link(ctx context.Context, setCodes ...string) (*LinkSummary, error) {
	sum := &LinkSummary{}
	err := s.sessions.Do(ctx, func(h *session.Handle) error {
		for _, raw := range setCodes {
			if err := s.linkOne(ctx, h, raw, sum); err != nil {
				return err
			}
		}
		return nil
	})
	return sum, err
}

// LinkStored runs Link over every stored set.
func (s *Service) LinkStored(ctx context.Context) (*LinkSummary, error) {
	sets, err := s.store.Query(ctx, Filter{Kind: KindSet, IncludeQuarantined: true})
	if err != nil {
		return nil, err
	}
	codes := make([]string, len(sets))
	for i, it := range sets {
		codes[i] = it.Code
	}
	return s.Link(ctx, codes...)
}

func (s *Service) linkOne(ctx context.Context, h *session.Handle, raw string, sum *LinkSummary) error {
	code, err := normalize.Code(raw)
	if err != nil {
		sum.Errors = append(sum.Errors, ItemError{Code: raw, Stage: StageCode, Err: err})
		return nil
	}
	page, err := h.Fetch(ctx, code, store.KindSet)
	if err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sum.Errors = append(sum.Errors, ItemError{Code: code, Stage: StageFetch, Err: err})
		return nil
	}
	refs, err := parse.References(store.KindSet, page.Body)
	if err != nil {
		sum.Errors = append(sum.Errors, ItemError{Code: code, Stage: StageParse, Err: err})
		return nil
	}

	subs := make([]string, 0, len(refs))
	for _, r := range refs {
		c, err := normalize.Code(r)
		if err != nil {
			sum.Errors = append(sum.Errors, ItemError{Code: r, Stage: StageCode, Err: err})
			continue
		}
		subs = append(subs, c)
	}

	lr, err := s.store.LinkAssociations(ctx, code, subs)
	if err != nil {
		if errors.Is(err, store.ErrKindConflict) {
			sum.Errors = append(sum.Errors, ItemError{Code: code, Stage: StageLink, Err: err})
			return nil
		}
		return asPersistence("link "+code, err)
	}
	sum.Sets++
	sum.Associations += lr.Associations
	sum.Placeholders += lr.Placeholders
	s.emit(event.Event{Kind: event.Link, Code: code, Entity: string(store.KindSet), Count: lr.Associations})
	return nil
}
