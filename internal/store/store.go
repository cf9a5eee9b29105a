// Package store persists entities, evidence, merge audit and orchestrator
// state in Postgres or SQLite.
package store

import (
	"context"
	"time"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

// EntityFilter specifies criteria for listing entities.
type EntityFilter struct {
	Status  model.EntityStatus `json:"status,omitempty"`
	OwnerID string             `json:"owner_id,omitempty"`
	IDs     []string           `json:"ids,omitempty"`
	Limit   int                `json:"limit,omitempty"`
}

// JobFilter specifies criteria for listing ingestion jobs.
type JobFilter struct {
	SourceName string          `json:"source_name,omitempty"`
	Status     model.JobStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// Queries is the statement surface available both on a Store and inside a
// transaction opened with InTx. Get* methods return (nil, nil) when the row
// does not exist.
type Queries interface {
	// Entities
	CreateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error)
	// LockEntities loads the given entities in id order, holding row locks
	// until the enclosing transaction ends.
	LockEntities(ctx context.Context, ids ...string) ([]model.Entity, error)
	MarkMerged(ctx context.Context, id, into string, at time.Time) (bool, error)
	AddCounters(ctx context.Context, id string, views, watches int64, at time.Time) error
	ApplyEntityAttribute(ctx context.Context, id, field, value string, at time.Time) (bool, error)

	// Canonical fields
	GetCanonicalField(ctx context.Context, entityID, field string) (*model.CanonicalField, error)
	ListCanonicalFields(ctx context.Context, entityID string) ([]model.CanonicalField, error)
	// CompareAndSetField writes f if the stored version equals expect. An
	// expect of 0 means the field must not exist yet.
	CompareAndSetField(ctx context.Context, f model.CanonicalField, expect int64) (bool, error)

	// Evidence
	InsertEvidence(ctx context.Context, evidence []model.FieldEvidence) error
	GetEvidence(ctx context.Context, id string) (*model.FieldEvidence, error)
	ListEvidence(ctx context.Context, entityID, field string) ([]model.FieldEvidence, error)
	SetEvidenceStatus(ctx context.Context, ids []string, status model.EvidenceStatus) (int64, error)

	// Consensus cache
	UpsertConsensus(ctx context.Context, r model.ConsensusResult) error
	GetConsensus(ctx context.Context, entityID, field string) (*model.ConsensusResult, error)

	// Children
	InsertMedia(ctx context.Context, m *model.Media) error
	InsertListing(ctx context.Context, l *model.Listing) error
	InsertIdentifier(ctx context.Context, i *model.Identifier) error
	InsertEvent(ctx context.Context, e *model.Event) error
	// ListMedia, ListListings and ListIdentifiers return rows for the given
	// entities, or for every active entity when entityIDs is empty.
	ListMedia(ctx context.Context, entityIDs []string) ([]model.Media, error)
	ListListings(ctx context.Context, entityIDs []string) ([]model.Listing, error)
	ListIdentifiers(ctx context.Context, entityIDs []string) ([]model.Identifier, error)
	ListChildren(ctx context.Context, kind model.ChildKind, entityID string) ([]model.ChildRef, error)
	// MoveChild re-points one child from one entity to another. It reports
	// false without error when the move would violate the kind's uniqueness
	// key on the destination.
	MoveChild(ctx context.Context, ref model.ChildRef, from, to string) (bool, error)

	// Merge audit
	InsertMergeRecord(ctx context.Context, r *model.MergeRecord) error
	ListMergeRecords(ctx context.Context, entityID string) ([]model.MergeRecord, error)

	// Sources
	UpsertSource(ctx context.Context, sc model.SourceControl) error
	GetSource(ctx context.Context, name string) (*model.SourceControl, error)
	LockSource(ctx context.Context, name string) (*model.SourceControl, error)
	ListSources(ctx context.Context) ([]model.SourceControl, error)
	UpdateSource(ctx context.Context, sc model.SourceControl) error
	TouchSourceRun(ctx context.Context, name string, at time.Time) error
	RecordSourceOutcome(ctx context.Context, name string, success bool, at time.Time) error
	// RaiseSourceFailures lifts failure_count to at least floor. A later
	// success resets it as usual.
	RaiseSourceFailures(ctx context.Context, name string, floor int, at time.Time) error

	// Jobs
	InsertJob(ctx context.Context, j *model.IngestionJob) error
	GetJob(ctx context.Context, id string) (*model.IngestionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error)
	CountJobs(ctx context.Context, source string, status model.JobStatus) (int, error)
	// NextQueuedJob returns the highest-priority due job for source, skipping
	// rows locked by concurrent claimers.
	NextQueuedJob(ctx context.Context, source string, now time.Time) (*model.IngestionJob, error)
	LeaseJob(ctx context.Context, id, worker string, at time.Time) (bool, error)
	// TransitionJob applies t only while t.LockedBy still holds the lease.
	TransitionJob(ctx context.Context, t model.JobTransition) (bool, error)
	ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]model.IngestionJob, error)
	// ResetExpiredLease moves a running job whose lease predates cutoff to
	// status `to`. Only one concurrent caller observes true.
	ResetExpiredLease(ctx context.Context, id, lockedBy string, cutoff time.Time, to model.JobStatus, at time.Time) (bool, error)
	CancelJob(ctx context.Context, id string, at time.Time) (bool, error)
	JobCounts(ctx context.Context) (map[string]map[model.JobStatus]int, error)
}

// Store defines the persistence interface for the consensus engine.
type Store interface {
	Queries

	// InTx runs fn in one transaction. fn must only use the Queries it is
	// given; the transaction commits when fn returns nil.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// SyncSources upserts operator configuration for many sources at once
	// without touching their health columns.
	SyncSources(ctx context.Context, sources []model.SourceControl) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// entityAttributeColumns maps consensus field names mirrored onto entity columns.
var entityAttributeColumns = map[string]string{
	"year":   "year",
	"make":   "make",
	"model":  "model",
	"vin":    "vin",
	"title":  "title",
	"region": "region",
}

// childSpec describes how a child kind is stored and which columns form its
// per-entity uniqueness key.
type childSpec struct {
	table   string
	keyCols []string
}

var childSpecs = map[model.ChildKind]childSpec{
	model.ChildMedia:      {table: "media", keyCols: []string{"fingerprint"}},
	model.ChildEvidence:   {table: "evidence"},
	model.ChildEvent:      {table: "events", keyCols: []string{"event_key"}},
	model.ChildListing:    {table: "listings", keyCols: []string{"url"}},
	model.ChildIdentifier: {table: "identifiers", keyCols: []string{"system", "value"}},
}

// childKeyExpr returns the SQL expression that renders a child's uniqueness key.
func childKeyExpr(spec childSpec) string {
	switch len(spec.keyCols) {
	case 0:
		return "''"
	case 1:
		return spec.keyCols[0]
	default:
		expr := spec.keyCols[0]
		for _, c := range spec.keyCols[1:] {
			expr += " || ':' || " + c
		}
		return expr
	}
}

// moveChildSQL builds the conditional re-point statement for a child kind.
// Parameters are (to, id, from) in that order; ph renders the n-th
// placeholder and conflictTo renders the reference to the destination id
// inside the uniqueness guard.
func moveChildSQL(spec childSpec, ph func(n int) string, conflictTo string) string {
	q := "UPDATE " + spec.table + " SET entity_id = " + ph(1) +
		" WHERE id = " + ph(2) + " AND entity_id = " + ph(3)
	if len(spec.keyCols) == 0 {
		return q
	}
	q += " AND NOT EXISTS (SELECT 1 FROM " + spec.table + " d WHERE d.entity_id = " + conflictTo
	for _, c := range spec.keyCols {
		q += " AND d." + c + " = " + spec.table + "." + c
	}
	return q + ")"
}
