// Package evidence records attributed field observations. Evidence rows are
// append-only; conflicting observations are simply more rows.
package evidence

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

// Observation is one raw field observation from a source.
type Observation struct {
	EntityID   string                  `json:"entity_id"`
	FieldName  string                  `json:"field_name"`
	Value      string                  `json:"value"`
	SourceType model.SourceType        `json:"source_type"`
	SourceName string                  `json:"source_name,omitempty"`
	Trust      *float64                `json:"trust,omitempty"`
	Signals    model.SupportingSignals `json:"supporting_signals"`
	ObservedAt time.Time               `json:"observed_at"`
}

// Batch is a set of observations from one source. Batch-level source and
// trust fill any observation that leaves them empty.
type Batch struct {
	SourceName   string           `json:"source_name"`
	SourceType   model.SourceType `json:"source_type,omitempty"`
	Trust        *float64         `json:"trust,omitempty"`
	Observations []Observation    `json:"observations"`
}

// Recorded is emitted for every stored observation. Callers may feed it to
// the consensus resolver; AutoConsensus is set when the service is
// configured to request that.
type Recorded struct {
	EvidenceID    string `json:"evidence_id"`
	EntityID      string `json:"entity_id"`
	FieldName     string `json:"field_name"`
	AutoConsensus bool   `json:"auto_consensus"`
}

// Service records and reviews evidence.
type Service struct {
	store         store.Store
	trust         model.TrustTable
	autoConsensus bool
	now           func() time.Time
	log           *zap.Logger
}

// NewService creates an evidence service. A nil trust table uses the
// defaults.
func NewService(s store.Store, trust model.TrustTable, autoConsensus bool) *Service {
	if trust == nil {
		trust = model.DefaultTrustTable()
	}
	return &Service{
		store:         s,
		trust:         trust,
		autoConsensus: autoConsensus,
		now:           func() time.Time { return time.Now().UTC() },
		log:           zap.L().With(zap.String("component", "evidence.service")),
	}
}

// WithNow fixes the clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Record stores a single observation.
func (s *Service) Record(ctx context.Context, obs Observation) (Recorded, error) {
	recs, err := s.RecordBatch(ctx, Batch{Observations: []Observation{obs}})
	if err != nil {
		return Recorded{}, err
	}
	return recs[0], nil
}

// RecordBatch validates every observation and stores them in one
// transaction together with the media and identifier rows their signals
// describe. A single malformed observation rejects the whole batch.
func (s *Service) RecordBatch(ctx context.Context, b Batch) ([]Recorded, error) {
	if len(b.Observations) == 0 {
		return nil, model.NewValidationError("observations", "batch is empty")
	}

	now := s.now()
	rows := make([]model.FieldEvidence, 0, len(b.Observations))
	for i, obs := range b.Observations {
		ev, err := s.build(b, obs, now)
		if err != nil {
			return nil, eris.Wrapf(err, "evidence: observation %d", i)
		}
		rows = append(rows, ev)
	}

	err := s.store.InTx(ctx, func(q store.Queries) error {
		resolved := make(map[string]string)
		for i := range rows {
			id, err := resolveEntity(ctx, q, rows[i].EntityID, resolved)
			if err != nil {
				return err
			}
			rows[i].EntityID = id
		}
		if err := q.InsertEvidence(ctx, rows); err != nil {
			return err
		}
		return attachChildren(ctx, q, rows)
	})
	if err != nil {
		return nil, eris.Wrap(err, "evidence: record batch")
	}

	out := make([]Recorded, len(rows))
	for i, ev := range rows {
		out[i] = Recorded{
			EvidenceID:    ev.ID,
			EntityID:      ev.EntityID,
			FieldName:     ev.FieldName,
			AutoConsensus: s.autoConsensus,
		}
	}
	s.log.Debug("recorded evidence",
		zap.String("source", b.SourceName),
		zap.Int("count", len(out)),
	)
	return out, nil
}

func (s *Service) build(b Batch, obs Observation, now time.Time) (model.FieldEvidence, error) {
	entityID := strings.TrimSpace(obs.EntityID)
	if entityID == "" {
		return model.FieldEvidence{}, model.NewValidationError("entity_id", "required")
	}
	field := strings.TrimSpace(obs.FieldName)
	if field == "" {
		return model.FieldEvidence{}, model.NewValidationError("field_name", "required")
	}
	if strings.TrimSpace(obs.Value) == "" {
		return model.FieldEvidence{}, model.NewValidationError("value", "required")
	}

	st := obs.SourceType
	if st == "" {
		st = b.SourceType
	}
	st, ok := model.ParseSourceType(string(st))
	if !ok {
		return model.FieldEvidence{}, model.NewValidationError("source_type", "unknown source type")
	}

	trust, err := s.resolveTrust(st, obs.Trust, b.Trust)
	if err != nil {
		return model.FieldEvidence{}, err
	}

	signals := obs.Signals
	if signals.Kind == "" {
		signals.Kind = st
	}
	if err := signals.Validate(st); err != nil {
		return model.FieldEvidence{}, err
	}

	source := obs.SourceName
	if source == "" {
		source = b.SourceName
	}
	observed := obs.ObservedAt
	if observed.IsZero() {
		observed = now
	}

	return model.FieldEvidence{
		ID:            uuid.New().String(),
		EntityID:      entityID,
		FieldName:     field,
		ProposedValue: obs.Value,
		SourceType:    st,
		SourceName:    source,
		SourceTrust:   trust,
		Signals:       signals,
		ObservedAt:    observed.UTC(),
		Status:        model.EvidencePending,
		CreatedAt:     now,
	}, nil
}

func (s *Service) resolveTrust(st model.SourceType, obsTrust, batchTrust *float64) (float64, error) {
	var trust float64
	switch {
	case obsTrust != nil:
		trust = *obsTrust
	case batchTrust != nil:
		trust = *batchTrust
	default:
		v, ok := s.trust.Lookup(st)
		if !ok {
			return 0, model.NewValidationError("trust", "no trust given and none configured for "+string(st))
		}
		trust = v
	}
	if trust < 0 || trust > 100 {
		return 0, model.NewValidationError("trust", "must be within [0,100]")
	}
	return trust, nil
}

// ResolveEntity returns the live entity id behind id, following merged_into.
// An unknown entity is a validation error.
func (s *Service) ResolveEntity(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", model.NewValidationError("entity_id", "required")
	}
	return resolveEntity(ctx, s.store, id, make(map[string]string))
}

// resolveEntity checks the entity exists and follows merged_into so that
// evidence for an absorbed duplicate lands on its canonical entity.
func resolveEntity(ctx context.Context, q store.Queries, id string, cache map[string]string) (string, error) {
	if to, ok := cache[id]; ok {
		return to, nil
	}
	e, err := store.LiveEntity(ctx, q, id)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", model.NewValidationError("entity_id", "unknown entity "+id)
	}
	cache[id] = e.ID
	return e.ID, nil
}

// attachChildren stores the child rows a signal describes: a media row for
// image metadata and a vin identifier for a decode that names one.
func attachChildren(ctx context.Context, q store.Queries, rows []model.FieldEvidence) error {
	for _, ev := range rows {
		if img := ev.Signals.Image; img != nil {
			err := q.InsertMedia(ctx, &model.Media{
				EntityID:    ev.EntityID,
				Fingerprint: img.Fingerprint,
				CapturedAt:  img.CapturedAt,
				Lat:         img.Lat,
				Lon:         img.Lon,
			})
			if err != nil {
				return err
			}
		}
		if d := ev.Signals.Decode; d != nil {
			if vin, ok := normalize.VIN(d.VIN); ok {
				if err := q.InsertIdentifier(ctx, &model.Identifier{EntityID: ev.EntityID, System: "vin", Value: vin}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Reject marks evidence rejected by human review. Rejected evidence never
// votes again. It returns the number of rows changed.
func (s *Service) Reject(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, model.NewValidationError("ids", "required")
	}
	n, err := s.store.SetEvidenceStatus(ctx, ids, model.EvidenceRejected)
	if err != nil {
		return 0, eris.Wrap(err, "evidence: reject")
	}
	s.log.Info("rejected evidence", zap.Strings("ids", ids), zap.Int64("changed", n))
	return n, nil
}

// Trail returns every evidence row for the pair, newest first, including
// rejected and superseded rows.
func (s *Service) Trail(ctx context.Context, entityID, field string) ([]model.FieldEvidence, error) {
	out, err := s.store.ListEvidence(ctx, entityID, field)
	return out, eris.Wrapf(err, "evidence: trail %s.%s", entityID, field)
}

// Targets returns the distinct (entity, field) pairs in recs that asked for
// auto-consensus, in first-seen order.
func Targets(recs []Recorded) []Recorded {
	seen := make(map[string]bool, len(recs))
	var out []Recorded
	for _, r := range recs {
		if !r.AutoConsensus {
			continue
		}
		k := r.EntityID + "\x00" + r.FieldName
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
