package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironkeep/vault"
)

const generationWriteTimeout = 5 * time.Second

// generationStore keeps rollback watermarks in the generation_cache table.
// GREATEST on upsert means two servers sharing the table never lower a
// mark.
type generationStore struct {
	ctx  context.Context
	pool *pgxpool.Pool
}

var _ vault.GenerationStore = generationStore{}

// NewGenerationCache returns watermarks persisted in PostgreSQL. ctx bounds
// the initial load only.
func NewGenerationCache(ctx context.Context, pool *pgxpool.Pool) (*vault.Watermarks, error) {
	return vault.NewWatermarks(generationStore{ctx: ctx, pool: pool})
}

func (s generationStore) Load() (map[string]uint64, error) {
	rows, err := s.pool.Query(s.ctx, `SELECT vault_id, max_generation FROM generation_cache`)
	if err != nil {
		return nil, err
	}
	type mark struct {
		VaultID       string `db:"vault_id"`
		MaxGeneration int64  `db:"max_generation"`
	}
	all, err := pgx.CollectRows(rows, pgx.RowToStructByName[mark])
	if err != nil {
		return nil, err
	}
	marks := make(map[string]uint64, len(all))
	for _, m := range all {
		marks[m.VaultID] = uint64(m.MaxGeneration)
	}
	return marks, nil
}

func (s generationStore) Save(vaultID string, gen uint64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), generationWriteTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO generation_cache (vault_id, max_generation) VALUES ($1, $2)
		 ON CONFLICT (vault_id) DO UPDATE SET max_generation = GREATEST(generation_cache.max_generation, EXCLUDED.max_generation)`,
		vaultID, int64(gen))
	return err
}
