package api

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/cardex/internal/cardindex"
	"github.com/starford/cardex/internal/cardservice"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
)

// Card is the full card response type (aliased from the domain layer).
type Card = cardservice.Card

// CardListItem is a lightweight item in a list response (aliased from the domain layer).
type CardListItem = cardservice.CardListItem

// CardListResponse wraps paginated card listings.
type CardListResponse struct {
	Cards []CardListItem `json:"cards" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// LocationRequest identifies a card block inside a document.
type LocationRequest struct {
	Path      string `json:"path" example:"notes/books.md" validate:"required"`
	StartLine int    `json:"startLine" example:"3"`
	EndLine   int    `json:"endLine" example:"7"`
}

// Validate validates the location.
func (r LocationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required, validation.Length(1, 1024)),
		validation.Field(&r.StartLine, validation.Min(0)),
		validation.Field(&r.EndLine, validation.Min(r.StartLine)),
	)
}

func (r LocationRequest) location() models.CardLocation {
	return models.CardLocation{Path: r.Path, StartLine: r.StartLine, EndLine: r.EndLine}
}

// LookupRequest is the request body for finding a card by content.
type LookupRequest struct {
	Content string `json:"content" example:"Title: Dune" validate:"required"`
}

// Validate validates the lookup request.
func (r LookupRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Required),
	)
}

// ReconcileRequest is the request body for reconciling an observed card.
type ReconcileRequest struct {
	CID      string          `json:"cid" example:"CID-9mOLwJzDby9"`
	Content  string          `json:"content" example:"Title: A\nYear: 2021" validate:"required"`
	Location LocationRequest `json:"location" validate:"required"`
}

// Validate validates the reconcile request.
func (r ReconcileRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CID, validation.By(cidRule)),
		validation.Field(&r.Content, validation.Required),
		validation.Field(&r.Location),
	)
}

func cidRule(v any) error {
	s, _ := v.(string)
	if s != "" && !identity.Valid(s) {
		return errors.New("must be a card identity like CID-0a1B2c3D")
	}
	return nil
}

// ReconcileResponse is the effective identity after a reconcile.
type ReconcileResponse = cardindex.Result

// RemovalResponse reports what a removal dropped.
type RemovalResponse = cardindex.Removal

// RebuildResponse summarizes a rebuild.
type RebuildResponse = cardindex.RebuildStats

// ObserveResponse reports what observing a document changed.
type ObserveResponse struct {
	Path    string             `json:"path" example:"notes/books.md" validate:"required"`
	Results []cardindex.Result `json:"results" validate:"required"`
	Removed cardindex.Removal  `json:"removed"`
	Deleted bool               `json:"deleted"`
}
