package index_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgconn"
	pgerrcode "github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	"github.com/neurodata/synq/pkg/db/postgres/index"
	kpool "github.com/neurodata/synq/pkg/db/postgres/pool"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/provenance"
)

type fakeConn struct {
	execErr  error
	sql      []string
	args     [][]interface{}
	released bool
}

var _ kpool.Conn = &fakeConn{}

func (c *fakeConn) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	c.sql = append(c.sql, sql)
	c.args = append(c.args, arguments)
	return nil, c.execErr
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not supported in this fake")
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("not supported in this fake")
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) Release()                       { c.released = true }

type fakePool struct {
	conn *fakeConn
}

var _ kpool.Pool = &fakePool{}

func (p *fakePool) Acquire(ctx context.Context) (kpool.Conn, error) {
	return p.conn, nil
}

func TestRegisterFileset(t *testing.T) {
	ctx := context.Background()

	entry := index.FilesetEntry{
		Dataset: "PRJ", Name: "t1", Frequency: domain.PerSession,
		SubjectID: "S1", VisitID: "V1", Quality: "usable",
		URI: "/data/archive/projects/PRJ/subjects/XNAT_S01/experiments/E01/scans/7",
	}

	t.Run("it upserts and releases the connection", func(t *testing.T) {
		conn := &fakeConn{}
		catalog := index.New(&fakePool{conn: conn})

		if err := catalog.RegisterFileset(ctx, entry); err != nil {
			t.Fatal(err)
		}
		if len(conn.sql) != 1 || !strings.Contains(conn.sql[0], "on conflict") {
			t.Errorf("sql = %v", conn.sql)
		}
		if !conn.released {
			t.Error("connection is not released")
		}
	})

	t.Run("a concurrent duplicate registration is not an error", func(t *testing.T) {
		conn := &fakeConn{execErr: &pgconn.PgError{Code: pgerrcode.UniqueViolation}}
		catalog := index.New(&fakePool{conn: conn})

		if err := catalog.RegisterFileset(ctx, entry); err != nil {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("other database errors propagate", func(t *testing.T) {
		dberr := &pgconn.PgError{Code: pgerrcode.UndefinedTable}
		conn := &fakeConn{execErr: dberr}
		catalog := index.New(&fakePool{conn: conn})

		if err := catalog.RegisterFileset(ctx, entry); !errors.Is(err, dberr) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRegisterRecord(t *testing.T) {
	ctx := context.Background()

	rec := provenance.New(
		"coreg", domain.PerSession, "S1", "V1", "seg",
		map[string]any{
			"datetime": "2020-01-02T03:04:05Z",
			"inputs":   map[string]any{"t1": "S1_V1/t1.nii.gz"},
		},
	)

	t.Run("it stores the record content as JSON", func(t *testing.T) {
		conn := &fakeConn{}
		catalog := index.New(&fakePool{conn: conn})

		if err := catalog.RegisterRecord(ctx, "PRJ", rec); err != nil {
			t.Fatal(err)
		}
		if len(conn.args) != 1 {
			t.Fatalf("exec count = %d", len(conn.args))
		}

		args := conn.args[0]
		content, ok := args[len(args)-1].([]byte)
		if !ok {
			t.Fatalf("content argument = %#v", args[len(args)-1])
		}
		stored := map[string]any{}
		if err := json.Unmarshal(content, &stored); err != nil {
			t.Fatal(err)
		}
		if stored["datetime"] != "2020-01-02T03:04:05Z" {
			t.Errorf("stored = %v", stored)
		}
	})

	t.Run("a concurrent duplicate registration is not an error", func(t *testing.T) {
		conn := &fakeConn{execErr: &pgconn.PgError{Code: pgerrcode.UniqueViolation}}
		catalog := index.New(&fakePool{conn: conn})

		if err := catalog.RegisterRecord(ctx, "PRJ", rec); err != nil {
			t.Errorf("err = %v", err)
		}
	})
}
