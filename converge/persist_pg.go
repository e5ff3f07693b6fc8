package converge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgPersistence keeps snapshots in a postgres table with jsonb data.
//
//	CREATE TABLE IF NOT EXISTS resources (
//	    resource_id TEXT PRIMARY KEY,
//	    version BIGINT NOT NULL,
//	    data JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	)
//
// the upsert only moves a row forward, so a lagging process in a cluster can
// never clobber a newer snapshot with an older one.
type PgPersistence struct {
	pool *pgxpool.Pool
}

func NewPgPersistence(ctx context.Context, databaseUrl string) (*PgPersistence, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}

	pg := &PgPersistence{
		pool: pool,
	}
	if err := pg.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

func (self *PgPersistence) init(ctx context.Context) error {
	_, err := self.pool.Exec(
		ctx,
		`CREATE TABLE IF NOT EXISTS resources (
			resource_id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	)
	return err
}

func (self *PgPersistence) Save(ctx context.Context, resourceId string, resource *Resource) error {
	data, err := json.Marshal(resource.Data)
	if err != nil {
		return err
	}

	_, err = self.pool.Exec(
		ctx,
		`INSERT INTO resources (resource_id, version, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id) DO UPDATE
		SET version = EXCLUDED.version,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		WHERE resources.version < EXCLUDED.version`,
		resourceId,
		resource.Version,
		data,
		resource.UpdatedAt,
	)
	return err
}

func (self *PgPersistence) Load(ctx context.Context, resourceId string) (*Resource, error) {
	var version int64
	var data []byte
	var updatedAt time.Time

	err := self.pool.QueryRow(
		ctx,
		`SELECT version, data, updated_at FROM resources WHERE resource_id = $1`,
		resourceId,
	).Scan(&version, &data, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	tree := Tree{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}

	return &Resource{
		ResourceId: resourceId,
		Version:    version,
		Data:       tree,
		UpdatedAt:  updatedAt,
	}, nil
}

func (self *PgPersistence) Close() {
	self.pool.Close()
}
