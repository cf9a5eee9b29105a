// Package catalog registers vehicle entities and the listings, identifiers
// and media attached to them.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/normalize"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// firstModelYear is the earliest plausible model year.
const firstModelYear = 1886

// Service registers entities and their child rows.
type Service struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewService creates a catalog service.
func NewService(s store.Store) *Service {
	return &Service{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "catalog.service")),
	}
}

// WithNow fixes the clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates e as an active entity. An empty ID gets a fresh UUID.
// Registering an ID that already exists returns the stored entity and
// created=false without changing it. A valid VIN is stored normalized and
// also recorded as a vin identifier.
func (s *Service) Register(ctx context.Context, e model.Entity) (*model.Entity, bool, error) {
	if err := s.prepare(&e); err != nil {
		return nil, false, err
	}

	var (
		out     *model.Entity
		created bool
	)
	err := s.store.InTx(ctx, func(q store.Queries) error {
		if e.ID != "" {
			existing, err := q.GetEntity(ctx, e.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		} else {
			e.ID = uuid.New().String()
		}

		if err := q.CreateEntity(ctx, &e); err != nil {
			return err
		}
		if e.VIN != "" {
			if err := q.InsertIdentifier(ctx, &model.Identifier{EntityID: e.ID, System: "vin", Value: e.VIN}); err != nil {
				return err
			}
		}
		out, created = &e, true
		return nil
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "catalog: register entity")
	}
	if created {
		s.log.Info("registered entity", zap.String("entity_id", out.ID), zap.String("vin", out.VIN))
	}
	return out, created, nil
}

// EnsureAll registers a bare entity for every id not yet known. It returns
// how many were created.
func (s *Service) EnsureAll(ctx context.Context, ids []string) (int, error) {
	seen := make(map[string]bool, len(ids))
	n := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		_, created, err := s.Register(ctx, model.Entity{ID: id})
		if err != nil {
			return n, err
		}
		if created {
			n++
		}
	}
	return n, nil
}

func (s *Service) prepare(e *model.Entity) error {
	e.ID = strings.TrimSpace(e.ID)
	if e.Status != "" && e.Status != model.EntityActive {
		return model.NewValidationError("status", "new entities are active")
	}
	if e.MergedInto != "" {
		return model.NewValidationError("merged_into", "set only by merges")
	}
	switch e.Visibility {
	case "", model.VisibilityPublic, model.VisibilityPrivate:
	default:
		return model.NewValidationError("visibility", "must be public or private")
	}
	if e.Year != 0 && (e.Year < firstModelYear || e.Year > s.now().Year()+2) {
		return model.NewValidationError("year", "implausible model year")
	}
	if e.VIN != "" {
		vin, ok := normalize.VIN(e.VIN)
		if !ok {
			return model.NewValidationError("vin", "not a 17 character VIN")
		}
		e.VIN = vin
	}
	if e.SalePrice != nil && *e.SalePrice < 0 {
		return model.NewValidationError("sale_price", "must not be negative")
	}
	if e.ViewCount < 0 || e.WatchCount < 0 {
		return model.NewValidationError("view_count", "counters must not be negative")
	}
	e.Status = model.EntityActive
	e.Version = 0
	return nil
}

// Get returns the entity, following merges when follow is set.
func (s *Service) Get(ctx context.Context, id string, follow bool) (*model.Entity, error) {
	var (
		e   *model.Entity
		err error
	)
	if follow {
		e, err = store.LiveEntity(ctx, s.store, id)
	} else {
		e, err = s.store.GetEntity(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: get entity %s", id)
	}
	if e == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "catalog: entity %s", id)
	}
	return e, nil
}

// Children is every listing, identifier and media row of one entity.
type Children struct {
	EntityID    string             `json:"entity_id"`
	Listings    []model.Listing    `json:"listings"`
	Identifiers []model.Identifier `json:"identifiers"`
	Media       []model.Media      `json:"media"`
}

// Children lists the child rows of the entity id resolves to.
func (s *Service) Children(ctx context.Context, id string) (*Children, error) {
	e, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	ids := []string{e.ID}
	out := &Children{EntityID: e.ID}
	if out.Listings, err = s.store.ListListings(ctx, ids); err != nil {
		return nil, eris.Wrap(err, "catalog: list listings")
	}
	if out.Identifiers, err = s.store.ListIdentifiers(ctx, ids); err != nil {
		return nil, eris.Wrap(err, "catalog: list identifiers")
	}
	if out.Media, err = s.store.ListMedia(ctx, ids); err != nil {
		return nil, eris.Wrap(err, "catalog: list media")
	}
	if out.Listings == nil {
		out.Listings = []model.Listing{}
	}
	if out.Identifiers == nil {
		out.Identifiers = []model.Identifier{}
	}
	if out.Media == nil {
		out.Media = []model.Media{}
	}
	return out, nil
}

// AddListing attaches l to the entity it names, after following merges.
// A listing URL is unique per entity; re-adding it refreshes status and
// prices.
func (s *Service) AddListing(ctx context.Context, l model.Listing) (*model.Listing, error) {
	l.Platform = strings.TrimSpace(l.Platform)
	l.URL = strings.TrimSpace(l.URL)
	if l.Platform == "" {
		return nil, model.NewValidationError("platform", "required")
	}
	if l.URL == "" {
		return nil, model.NewValidationError("url", "required")
	}
	st, ok := model.ParseListingStatus(string(l.Status))
	if !ok {
		return nil, model.NewValidationError("status", "must be active, live, ended or sold")
	}
	l.Status = st
	for field, p := range map[string]*float64{"asking_price": l.AskingPrice, "current_bid": l.CurrentBid, "sold_price": l.SoldPrice} {
		if p != nil && *p < 0 {
			return nil, model.NewValidationError(field, "must not be negative")
		}
	}
	l.UpdatedAt = s.now()

	err := s.attach(ctx, l.EntityID, func(q store.Queries, entityID string) error {
		l.EntityID = entityID
		return q.InsertListing(ctx, &l)
	})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: add listing")
	}
	return &l, nil
}

// AddIdentifier attaches an external identifier. System is lowercased;
// vin values must be valid VINs and are stored normalized.
func (s *Service) AddIdentifier(ctx context.Context, i model.Identifier) (*model.Identifier, error) {
	i.System = strings.ToLower(strings.TrimSpace(i.System))
	i.Value = strings.TrimSpace(i.Value)
	if i.System == "" {
		return nil, model.NewValidationError("system", "required")
	}
	if i.Value == "" {
		return nil, model.NewValidationError("value", "required")
	}
	if i.System == "vin" {
		vin, ok := normalize.VIN(i.Value)
		if !ok {
			return nil, model.NewValidationError("value", "not a 17 character VIN")
		}
		i.Value = vin
	}
	i.CreatedAt = s.now()

	err := s.attach(ctx, i.EntityID, func(q store.Queries, entityID string) error {
		i.EntityID = entityID
		return q.InsertIdentifier(ctx, &i)
	})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: add identifier")
	}
	return &i, nil
}

// AddMedia attaches an image. Fingerprint is required and unique per
// entity; a repeated fingerprint is ignored.
func (s *Service) AddMedia(ctx context.Context, m model.Media) (*model.Media, error) {
	m.Fingerprint = strings.TrimSpace(m.Fingerprint)
	if m.Fingerprint == "" {
		return nil, model.NewValidationError("fingerprint", "required")
	}
	if err := model.ValidateCapturePoint(m.Lat, m.Lon); err != nil {
		return nil, err
	}
	m.CreatedAt = s.now()

	err := s.attach(ctx, m.EntityID, func(q store.Queries, entityID string) error {
		m.EntityID = entityID
		return q.InsertMedia(ctx, &m)
	})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: add media")
	}
	return &m, nil
}

// attach resolves entityID to its live entity and runs insert in the same
// transaction.
func (s *Service) attach(ctx context.Context, entityID string, insert func(q store.Queries, entityID string) error) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return model.NewValidationError("entity_id", "required")
	}
	return s.store.InTx(ctx, func(q store.Queries) error {
		e, err := store.LiveEntity(ctx, q, entityID)
		if err != nil {
			return err
		}
		if e == nil {
			return model.NewValidationError("entity_id", "unknown entity "+entityID)
		}
		return insert(q, e.ID)
	})
}
