// Package cardservice coordinates the card index, the document observer and
// change notifications for the HTTP and MCP front ends.
package cardservice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/cardblock"
	"github.com/starford/cardex/internal/cardindex"
	"github.com/starford/cardex/internal/models"
	"github.com/starford/cardex/internal/observer"
)

// Event kinds published on card changes.
const (
	EventCardCreated     = "card.created"
	EventCardUpdated     = "card.updated"
	EventCardMerged      = "card.merged"
	EventCardMigrated    = "card.migrated"
	EventCardRemoved     = "card.removed"
	EventDocumentRemoved = "document.removed"
	EventIndexRebuilt    = "index.rebuilt"
)

// Card is the full representation of an indexed card.
type Card struct {
	CID         string                `json:"cid"`
	Type        string                `json:"type"`
	Title       string                `json:"title"`
	Content     string                `json:"content"`
	Fields      map[string]any        `json:"fields"`
	Locations   []models.CardLocation `json:"locations"`
	LastUpdated time.Time             `json:"lastUpdated"`
}

// CardListItem is a lightweight item in a list response.
type CardListItem struct {
	CID         string    `json:"cid"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Documents   []string  `json:"documents"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ListQuery filters and pages List.
type ListQuery struct {
	Type   string // card type without suffix, e.g. "book"
	Path   string // only cards with a location in this document
	Limit  int
	Offset int
}

// CardEvent is the payload of card change events.
type CardEvent struct {
	CID      string `json:"cid"`
	Previous string `json:"previous,omitempty"`
	Path     string `json:"path,omitempty"`
}

// DocumentEvent is the payload of document.removed.
type DocumentEvent struct {
	Path      string   `json:"path"`
	Locations int      `json:"locations"`
	Deleted   []string `json:"deleted"`
}

// Publisher receives change notifications.
type Publisher interface {
	PublishCardEvent(kind string, data any)
	PublishProgress(data any)
}

type nopPublisher struct{}

func (nopPublisher) PublishCardEvent(string, any) {}
func (nopPublisher) PublishProgress(any)          {}

// Service coordinates index and observer operations.
type Service struct {
	store  *cardindex.Store
	obs    *observer.Observer
	pub    Publisher
	logger *slog.Logger

	rebuilding atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where change events go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a card service.
func New(store *cardindex.Store, obs *observer.Observer, opts ...Option) *Service {
	s := &Service{store: store, obs: obs, pub: nopPublisher{}, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List returns cards newest first, filtered and paged by q, with the total
// number of matches.
func (s *Service) List(ctx context.Context, q ListQuery) ([]CardListItem, int) {
	idx := s.store.GetAllRecords(ctx)
	items := make([]CardListItem, 0, len(idx))
	for cid, rec := range idx {
		item := listItem(cid, rec)
		if q.Type != "" && item.Type != q.Type {
			continue
		}
		if q.Path != "" && !inDocument(rec, q.Path) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastUpdated.Equal(items[j].LastUpdated) {
			return items[i].LastUpdated.After(items[j].LastUpdated)
		}
		return items[i].CID < items[j].CID
	})

	total := len(items)
	if q.Offset > total {
		q.Offset = total
	}
	items = items[q.Offset:]
	if q.Limit > 0 && q.Limit < len(items) {
		items = items[:q.Limit]
	}
	return items, total
}

// Get returns the card for cid.
func (s *Service) Get(ctx context.Context, cid string) (*Card, error) {
	rec, ok := s.store.GetRecord(ctx, cid)
	if !ok {
		return nil, fmt.Errorf("card %s: %w", cid, apperr.ErrNotFound)
	}
	return buildCard(cid, rec), nil
}

// Lookup returns the card whose content matches content.
func (s *Service) Lookup(ctx context.Context, content string) (*Card, error) {
	cid, ok := s.store.FindIdentityByContent(ctx, content)
	if !ok {
		return nil, fmt.Errorf("card content: %w", apperr.ErrNotFound)
	}
	return s.Get(ctx, cid)
}

// Reconcile records an observation of content at loc previously known as cid.
func (s *Service) Reconcile(ctx context.Context, cid, content string, loc models.CardLocation) (cardindex.Result, error) {
	res, err := s.store.Reconcile(ctx, cid, content, loc)
	if err != nil {
		return res, err
	}
	s.publishResult(res, loc.Path)
	return res, nil
}

// RemoveLocation forgets one location.
func (s *Service) RemoveLocation(ctx context.Context, loc models.CardLocation) (cardindex.Removal, error) {
	rm, err := s.store.RemoveLocation(ctx, loc)
	if err != nil {
		return rm, err
	}
	for _, cid := range rm.Deleted {
		s.pub.PublishCardEvent(EventCardRemoved, CardEvent{CID: cid, Path: loc.Path})
	}
	return rm, nil
}

// RemoveDocument forgets every location in the document at path.
func (s *Service) RemoveDocument(ctx context.Context, path string) (cardindex.Removal, error) {
	rm, err := s.store.RemoveAllLocationsForPath(ctx, path)
	if err != nil {
		return rm, err
	}
	s.publishRemoval(path, rm)
	return rm, nil
}

// ObserveDocument re-reads the document at path and reconciles its cards.
func (s *Service) ObserveDocument(ctx context.Context, path string) (observer.Change, error) {
	ch, err := s.obs.ObservePath(ctx, path)
	s.HandleChange(ch)
	return ch, err
}

// Rebuild rescans every document. Only one rebuild runs at a time.
func (s *Service) Rebuild(ctx context.Context) (cardindex.RebuildStats, error) {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return cardindex.RebuildStats{}, fmt.Errorf("rebuild already running: %w", apperr.ErrConflict)
	}
	defer s.rebuilding.Store(false)

	start := time.Now()
	stats, err := s.store.RebuildFromScratch(ctx, nil, func(p cardindex.Progress) {
		s.logger.Debug("rebuild: progress",
			slog.Int("done", p.Done), slog.Int("total", p.Total), slog.String("path", p.Path))
		s.pub.PublishProgress(p)
	})
	if err != nil {
		return stats, err
	}
	s.logger.Info("rebuild: done",
		slog.Int("documents", stats.Documents),
		slog.Int("blocks", stats.Blocks),
		slog.Duration("took", time.Since(start)))
	s.pub.PublishCardEvent(EventIndexRebuilt, stats)
	return stats, nil
}

// HandleChange publishes the events for an observed change. It is the
// watcher callback.
func (s *Service) HandleChange(ch observer.Change) {
	if ch.Deleted {
		s.publishRemoval(ch.Path, ch.Removed)
		return
	}
	for _, res := range ch.Results {
		s.publishResult(res, ch.Path)
	}
	for _, cid := range ch.Removed.Deleted {
		s.pub.PublishCardEvent(EventCardRemoved, CardEvent{CID: cid, Path: ch.Path})
	}
}

func (s *Service) publishResult(res cardindex.Result, path string) {
	ev := CardEvent{CID: res.CID, Previous: res.Previous, Path: path}
	switch res.Outcome {
	case cardindex.OutcomeCreated:
		s.pub.PublishCardEvent(EventCardCreated, ev)
	case cardindex.OutcomeUpdated:
		s.pub.PublishCardEvent(EventCardUpdated, ev)
	case cardindex.OutcomeMerged:
		s.pub.PublishCardEvent(EventCardMerged, ev)
	case cardindex.OutcomeMigrated:
		s.pub.PublishCardEvent(EventCardMigrated, ev)
	}
}

func (s *Service) publishRemoval(path string, rm cardindex.Removal) {
	deleted := rm.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	s.pub.PublishCardEvent(EventDocumentRemoved, DocumentEvent{Path: path, Locations: rm.Locations, Deleted: deleted})
	for _, cid := range rm.Deleted {
		s.pub.PublishCardEvent(EventCardRemoved, CardEvent{CID: cid, Path: path})
	}
}

func buildCard(cid string, rec *models.CardRecord) *Card {
	fields := cardblock.Fields(rec.Content)
	if fields == nil {
		fields = map[string]any{}
	}
	return &Card{
		CID:         cid,
		Type:        cardblock.KindOf(rec.Content),
		Title:       cardblock.Title(rec.Content),
		Content:     rec.Content,
		Fields:      fields,
		Locations:   rec.Locations,
		LastUpdated: rec.LastUpdated,
	}
}

func listItem(cid string, rec *models.CardRecord) CardListItem {
	docs := []string{}
	seen := make(map[string]struct{})
	for _, l := range rec.Locations {
		if _, ok := seen[l.Path]; ok {
			continue
		}
		seen[l.Path] = struct{}{}
		docs = append(docs, l.Path)
	}
	return CardListItem{
		CID:         cid,
		Type:        cardblock.KindOf(rec.Content),
		Title:       cardblock.Title(rec.Content),
		Documents:   docs,
		LastUpdated: rec.LastUpdated,
	}
}

func inDocument(rec *models.CardRecord, path string) bool {
	for _, l := range rec.Locations {
		if l.Path == path {
			return true
		}
	}
	return false
}
