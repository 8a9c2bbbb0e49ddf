package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"options-core/pkg/db"
)

// ErrNotFound is returned for unknown deployment ids.
var ErrNotFound = db.ErrNotFound

// Store persists deployment records. The orchestrator is its only writer.
type Store interface {
	Create(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, statuses ...Status) ([]Record, error)
	Update(ctx context.Context, r Record) error
	ArchiveAndDelete(ctx context.Context, r Record, archivedBy string) error
}

// DBStore maps records onto the sqlite deployments table.
type DBStore struct {
	DB *db.Database
}

func NewDBStore(database *db.Database) *DBStore { return &DBStore{DB: database} }

func toRow(r Record) (db.Deployment, error) {
	cfg, err := json.Marshal(r.Params)
	if err != nil {
		return db.Deployment{}, fmt.Errorf("encode params: %w", err)
	}
	blob, err := r.State.encode()
	if err != nil {
		return db.Deployment{}, err
	}
	return db.Deployment{
		ID:             r.ID,
		Name:           r.Name,
		Status:         string(r.Status),
		ScheduledStart: r.ScheduledStart,
		StartedAt:      r.StartedAt,
		LastRunAt:      r.LastRunAt,
		Config:         string(cfg),
		StateBlob:      blob,
		ErrorMessage:   r.ErrorMessage,
		SessionToken:   r.SessionToken,
	}, nil
}

func fromRow(d db.Deployment) (Record, error) {
	r := Record{
		ID:             d.ID,
		Name:           d.Name,
		Status:         Status(d.Status),
		ScheduledStart: d.ScheduledStart,
		StartedAt:      d.StartedAt,
		LastRunAt:      d.LastRunAt,
		ErrorMessage:   d.ErrorMessage,
		SessionToken:   d.SessionToken,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(d.Config), &r.Params); err != nil {
		return Record{}, fmt.Errorf("decode params of %s: %w", d.ID, err)
	}
	st, err := DecodeState(d.StateBlob)
	if err != nil {
		return Record{}, fmt.Errorf("deployment %s: %w", d.ID, err)
	}
	r.State = st
	return r, nil
}

func (s *DBStore) Create(ctx context.Context, r Record) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	return s.DB.CreateDeployment(ctx, row)
}

func (s *DBStore) Get(ctx context.Context, id string) (Record, error) {
	row, err := s.DB.GetDeployment(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return fromRow(row)
}

func (s *DBStore) List(ctx context.Context, statuses ...Status) ([]Record, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.DB.ListDeployments(ctx, names...)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	var bad error
	for _, row := range rows {
		r, err := fromRow(row)
		if err != nil {
			bad = errors.Join(bad, err)
			continue
		}
		out = append(out, r)
	}
	return out, bad
}

func (s *DBStore) Update(ctx context.Context, r Record) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	return s.DB.UpdateDeployment(ctx, row)
}

func (s *DBStore) ArchiveAndDelete(ctx context.Context, r Record, archivedBy string) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	return s.DB.ArchiveAndDelete(ctx, row, archivedBy)
}
