// Package index is an optional cross-run catalog: which filesets have been
// materialized where, and which provenance records exist, queryable without
// rescanning the remote.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	pgerrcode "github.com/jackc/pgerrcode"

	kpool "github.com/neurodata/synq/pkg/db/postgres/pool"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/provenance"
)

// FilesetEntry is one catalogued materialization.
type FilesetEntry struct {
	Dataset      string
	Name         string
	Frequency    domain.Frequency
	SubjectID    string
	VisitID      string
	FromAnalysis string
	Quality      string
	URI          string
	CachePath    string

	// RegisteredAt is set by the catalog on read.
	RegisteredAt time.Time
}

type Index interface {
	// Init creates the catalog tables when they do not exist yet.
	Init(ctx context.Context) error

	// RegisterFileset upserts entry under its identity
	// (dataset, name, frequency, subject, visit, analysis).
	RegisterFileset(ctx context.Context, entry FilesetEntry) error

	// FilesetsFor lists the catalogued materializations of a dataset.
	FilesetsFor(ctx context.Context, dataset string) ([]FilesetEntry, error)

	// RegisterRecord upserts the provenance record under its identity.
	RegisterRecord(ctx context.Context, dataset string, rec *provenance.Record) error

	// RecordsFor lists the records of one pipeline within a dataset.
	RecordsFor(ctx context.Context, dataset string, pipeline string) ([]*provenance.Record, error)
}

type indexPG struct { // implements Index
	pool kpool.Pool
}

func New(pool kpool.Pool) Index {
	return &indexPG{pool: pool}
}

const schema = `
create table if not exists "fileset" (
	"dataset" varchar not null,
	"name" varchar not null,
	"frequency" varchar not null,
	"subject_id" varchar not null default '',
	"visit_id" varchar not null default '',
	"from_analysis" varchar not null default '',
	"quality" varchar not null default '',
	"uri" varchar not null default '',
	"cache_path" varchar not null default '',
	"registered_at" timestamp with time zone not null default now(),
	primary key ("dataset", "name", "frequency", "subject_id", "visit_id", "from_analysis")
);

create table if not exists "provenance" (
	"dataset" varchar not null,
	"pipeline" varchar not null,
	"frequency" varchar not null,
	"subject_id" varchar not null default '',
	"visit_id" varchar not null default '',
	"owner" varchar not null default '',
	"content" jsonb not null,
	"registered_at" timestamp with time zone not null default now(),
	primary key ("dataset", "pipeline", "frequency", "subject_id", "visit_id", "owner")
);
`

func (i *indexPG) Init(ctx context.Context) error {
	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, schema)
	return err
}

// tolerateDuplication drops unique-violation errors. Two processes upserting
// the same identity at once can still collide on the primary key; whichever
// row survived is a registration of the same thing.
func tolerateDuplication(err error) error {
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
		return nil
	}
	return err
}

func (i *indexPG) RegisterFileset(ctx context.Context, entry FilesetEntry) error {
	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(
		ctx,
		`
		insert into "fileset" (
			"dataset", "name", "frequency", "subject_id", "visit_id",
			"from_analysis", "quality", "uri", "cache_path"
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict ("dataset", "name", "frequency", "subject_id", "visit_id", "from_analysis")
		do update set
			"quality" = excluded."quality",
			"uri" = excluded."uri",
			"cache_path" = excluded."cache_path",
			"registered_at" = now()
		`,
		entry.Dataset, entry.Name, string(entry.Frequency),
		entry.SubjectID, entry.VisitID, entry.FromAnalysis,
		entry.Quality, entry.URI, entry.CachePath,
	)
	return tolerateDuplication(err)
}

func (i *indexPG) FilesetsFor(ctx context.Context, dataset string) ([]FilesetEntry, error) {
	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(
		ctx,
		`
		select
			"name", "frequency", "subject_id", "visit_id",
			"from_analysis", "quality", "uri", "cache_path", "registered_at"
		from "fileset"
		where "dataset" = $1
		order by "name", "subject_id", "visit_id"
		`,
		dataset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []FilesetEntry{}
	for rows.Next() {
		entry := FilesetEntry{Dataset: dataset}
		var frequency string
		if err := rows.Scan(
			&entry.Name, &frequency, &entry.SubjectID, &entry.VisitID,
			&entry.FromAnalysis, &entry.Quality, &entry.URI, &entry.CachePath,
			&entry.RegisteredAt,
		); err != nil {
			return nil, err
		}
		entry.Frequency = domain.Frequency(frequency)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (i *indexPG) RegisterRecord(ctx context.Context, dataset string, rec *provenance.Record) error {
	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	content, err := json.Marshal(rec.Content())
	if err != nil {
		return err
	}

	_, err = conn.Exec(
		ctx,
		`
		insert into "provenance" (
			"dataset", "pipeline", "frequency", "subject_id", "visit_id",
			"owner", "content"
		) values ($1, $2, $3, $4, $5, $6, $7)
		on conflict ("dataset", "pipeline", "frequency", "subject_id", "visit_id", "owner")
		do update set
			"content" = excluded."content",
			"registered_at" = now()
		`,
		dataset, rec.Pipeline(), string(rec.Frequency()),
		rec.SubjectID(), rec.VisitID(), rec.Owner(), content,
	)
	return tolerateDuplication(err)
}

func (i *indexPG) RecordsFor(ctx context.Context, dataset string, pipeline string) ([]*provenance.Record, error) {
	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(
		ctx,
		`
		select "frequency", "subject_id", "visit_id", "owner", "content"
		from "provenance"
		where "dataset" = $1 and "pipeline" = $2
		order by "subject_id", "visit_id"
		`,
		dataset, pipeline,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*provenance.Record{}
	for rows.Next() {
		var frequency, subjectID, visitID, owner string
		var content []byte
		if err := rows.Scan(&frequency, &subjectID, &visitID, &owner, &content); err != nil {
			return nil, err
		}
		rec, err := provenance.Decode(
			pipeline, domain.Frequency(frequency), subjectID, visitID, owner, content,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
