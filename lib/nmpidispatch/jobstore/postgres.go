// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS nmpi_jobs (
		id integer PRIMARY KEY,
		executor_id text,
		status text NOT NULL,
		record jsonb NOT NULL,
		machines jsonb NOT NULL DEFAULT '[]',
		core_quota bigint NOT NULL DEFAULT 0,
		resource_usage bigint NOT NULL DEFAULT 0,
		provenance jsonb NOT NULL DEFAULT '{}',
		created_at timestamp with time zone NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS nmpi_jobs_executor_id ON nmpi_jobs (executor_id)`,
	`CREATE INDEX IF NOT EXISTS nmpi_jobs_status ON nmpi_jobs (status)`,
}

const jobColumns = `id, executor_id, status, record, machines, core_quota, resource_usage, provenance`

type jobRow struct {
	ID            int            `db:"id"`
	ExecutorID    sql.NullString `db:"executor_id"`
	Status        string         `db:"status"`
	Record        []byte         `db:"record"`
	Machines      []byte         `db:"machines"`
	CoreQuota     int64          `db:"core_quota"`
	ResourceUsage int64          `db:"resource_usage"`
	Provenance    []byte         `db:"provenance"`
}

func (row jobRow) job() (Job, error) {
	j := Job{
		ID:            row.ID,
		ExecutorID:    row.ExecutorID.String,
		Status:        nmpi.JobStatus(row.Status),
		CoreQuota:     row.CoreQuota,
		ResourceUsage: row.ResourceUsage,
	}
	if err := json.Unmarshal(row.Record, &j.Record); err != nil {
		return Job{}, fmt.Errorf("job %d: decoding record: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Machines, &j.Machines); err != nil {
		return Job{}, fmt.Errorf("job %d: decoding machines: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Provenance, &j.Provenance); err != nil {
		return Job{}, fmt.Errorf("job %d: decoding provenance: %w", row.ID, err)
	}
	if j.Provenance == nil {
		j.Provenance = map[string]string{}
	}
	j.Record.Status = j.Status
	return j, nil
}

// Postgres is a Store backed by a PostgreSQL database. Each method
// runs in its own transaction.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the database and creates the jobs table if
// needed.
func NewPostgres(ctx context.Context, conn nmpi.PostgreSQLConnection, maxOpen int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", conn.String())
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect: %w", err)
	}
	ps := &Postgres{db: db}
	if err := ps.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := ps.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration: %w", err)
		}
	}
	return nil
}

// withTx calls f in a transaction, and commits if f returns nil.
func (ps *Postgres) withTx(ctx context.Context, f func(*sqlx.Tx) error) error {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getJob(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) (Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+jobColumns+` FROM nmpi_jobs WHERE `+where, args...)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	} else if err != nil {
		return Job{}, err
	}
	return row.job()
}

func (ps *Postgres) selectJobs(ctx context.Context, where string, args ...interface{}) ([]Job, error) {
	var rows []jobRow
	err := ps.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM nmpi_jobs WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		j, err := row.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// update runs an UPDATE statement that should affect exactly the job
// with the given ID.
func (ps *Postgres) update(ctx context.Context, stmt string, id int, args ...interface{}) error {
	res, err := ps.db.ExecContext(ctx, stmt, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *Postgres) Add(ctx context.Context, job nmpi.Job, executorID string) error {
	job.Status = nmpi.JobQueued
	record, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = ps.db.ExecContext(ctx, `INSERT INTO nmpi_jobs (id, executor_id, status, record)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			executor_id=excluded.executor_id, status=excluded.status, record=excluded.record,
			machines='[]', core_quota=0, resource_usage=0, provenance='{}'`,
		job.ID, executorID, string(nmpi.JobQueued), string(record))
	return err
}

func (ps *Postgres) Get(ctx context.Context, id int) (Job, error) {
	return getJob(ctx, ps.db, `id=$1`, id)
}

func (ps *Postgres) ByExecutor(ctx context.Context, executorID string) (Job, error) {
	return getJob(ctx, ps.db, `executor_id=$1`, executorID)
}

func (ps *Postgres) Waiting(ctx context.Context) ([]Job, error) {
	return ps.selectJobs(ctx, `status=$1`, string(nmpi.JobQueued))
}

func (ps *Postgres) List(ctx context.Context) ([]Job, error) {
	return ps.selectJobs(ctx, `true`)
}

func (ps *Postgres) AssignExecutor(ctx context.Context, id int, executorID string) error {
	return ps.update(ctx, `UPDATE nmpi_jobs SET executor_id=$2 WHERE id=$1`, id, executorID)
}

func (ps *Postgres) SetRunning(ctx context.Context, id int) (Job, error) {
	var j Job
	err := ps.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		j, err = getJob(ctx, tx, `id=$1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		if !j.Waiting() {
			return ErrNotWaiting
		}
		_, err = tx.ExecContext(ctx, `UPDATE nmpi_jobs SET status=$2 WHERE id=$1`, id, string(nmpi.JobRunning))
		j.Status = nmpi.JobRunning
		j.Record.Status = nmpi.JobRunning
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

func (ps *Postgres) AddMachines(ctx context.Context, id int, machines []machine.Machine, quota int64) error {
	buf, err := json.Marshal(machines)
	if err != nil {
		return err
	}
	return ps.withTx(ctx, func(tx *sqlx.Tx) error {
		j, err := getJob(ctx, tx, `id=$1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return ErrFinished
		}
		_, err = tx.ExecContext(ctx, `UPDATE nmpi_jobs
			SET machines = machines || $2::jsonb,
				core_quota = CASE WHEN core_quota=0 THEN $3 ELSE core_quota END
			WHERE id=$1`, id, string(buf), quota)
		return err
	})
}

func (ps *Postgres) SetResourceUsage(ctx context.Context, id int, usage int64) error {
	return ps.update(ctx, `UPDATE nmpi_jobs SET resource_usage=$2 WHERE id=$1`, id, usage)
}

func (ps *Postgres) AddProvenance(ctx context.Context, id int, path, value string) error {
	return ps.update(ctx, `UPDATE nmpi_jobs SET provenance = provenance || jsonb_build_object($2::text, $3::text) WHERE id=$1`, id, path, value)
}

func (ps *Postgres) Finish(ctx context.Context, id int, status nmpi.JobStatus) (Job, error) {
	var before Job
	err := ps.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		before, err = getJob(ctx, tx, `id=$1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		if before.Status.Terminal() {
			return ErrFinished
		}
		_, err = tx.ExecContext(ctx, `UPDATE nmpi_jobs
			SET status=$2, machines='[]', resource_usage=0, provenance='{}'
			WHERE id=$1`, id, string(status))
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return before, nil
}

func (ps *Postgres) ClearExecutor(ctx context.Context, executorID string) (Job, error) {
	var before Job
	err := ps.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		before, err = getJob(ctx, tx, `executor_id=$1 FOR UPDATE`, executorID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE nmpi_jobs SET executor_id=NULL WHERE id=$1`, before.ID)
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return before, nil
}

func (ps *Postgres) Close() error {
	return ps.db.Close()
}

// CheckHealth returns an error if the database is unreachable.
func (ps *Postgres) CheckHealth(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}
