package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/encryption"
	"github.com/mesikahq/patient-index/internal/record"
)

// Postgres persists records, clusters, and assignments. Identifier values are
// encrypted before they reach a row; everything else is stored as JSONB so
// schema migrations stay cheap.
type Postgres struct {
	pool   *pgxpool.Pool
	crypto encryption.Service
}

func NewPostgres(pool *pgxpool.Pool, crypto encryption.Service) *Postgres {
	return &Postgres{pool: pool, crypto: crypto}
}

func (p *Postgres) GetRecord(ctx context.Context, id string) (*record.PatientRecord, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM records WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, cluster.ErrRecordNotFound)
	}
	if err != nil {
		return nil, &cluster.StoreUnavailableError{Op: "get record", Err: err}
	}

	var rec record.PatientRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	if err := p.decryptIdentifiers(rec.Identifiers); err != nil {
		return nil, fmt.Errorf("decrypting record %s: %w", id, err)
	}
	return &rec, nil
}

func (p *Postgres) PutRecord(ctx context.Context, rec *record.PatientRecord) error {
	cp := *rec
	cp.Identifiers = append([]record.Identifier(nil), rec.Identifiers...)
	if err := p.encryptIdentifiers(cp.Identifiers); err != nil {
		return fmt.Errorf("encrypting record %s: %w", rec.ID, err)
	}

	payload, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO records (id, source_id, payload, submitted_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		rec.ID, rec.SourceID, payload, rec.SubmittedAt,
	)
	if err != nil {
		return &cluster.StoreUnavailableError{Op: "put record", Err: err}
	}
	return nil
}

func (p *Postgres) Assignment(ctx context.Context, recordID string) (cluster.Ref, bool, error) {
	var ref string
	err := p.pool.QueryRow(ctx,
		`SELECT cluster_ref FROM assignments WHERE record_id = $1`, recordID,
	).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &cluster.StoreUnavailableError{Op: "get assignment", Err: err}
	}
	return cluster.Ref(ref), true, nil
}

func (p *Postgres) PutAssignment(ctx context.Context, recordID string, ref cluster.Ref) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO assignments (record_id, cluster_ref)
		 VALUES ($1, $2)
		 ON CONFLICT (record_id) DO UPDATE SET cluster_ref = EXCLUDED.cluster_ref`,
		recordID, string(ref),
	)
	if err != nil {
		return &cluster.StoreUnavailableError{Op: "put assignment", Err: err}
	}
	return nil
}

func (p *Postgres) GetCluster(ctx context.Context, ref cluster.Ref) (*cluster.IdentityCluster, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM clusters WHERE ref = $1`, string(ref),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", ref, cluster.ErrClusterNotFound)
	}
	if err != nil {
		return nil, &cluster.StoreUnavailableError{Op: "get cluster", Err: err}
	}

	var c cluster.IdentityCluster
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decoding cluster %s: %w", ref, err)
	}
	if err := p.decryptIdentifiers(c.Snapshot.Identifiers); err != nil {
		return nil, fmt.Errorf("decrypting cluster %s: %w", ref, err)
	}
	return &c, nil
}

func (p *Postgres) CreateCluster(ctx context.Context, c *cluster.IdentityCluster) error {
	payload, err := p.encodeCluster(c)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO clusters (ref, seq, status, version, payload, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(c.Ref), c.Seq, string(c.Status), c.Version, payload, c.UpdatedAt,
	)
	if err != nil {
		return &cluster.StoreUnavailableError{Op: "create cluster", Err: err}
	}
	return nil
}

func (p *Postgres) UpdateCluster(ctx context.Context, c *cluster.IdentityCluster, expectedVersion int64) error {
	payload, err := p.encodeCluster(c)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE clusters
		 SET seq = $2, status = $3, version = $4, payload = $5, updated_at = $6
		 WHERE ref = $1 AND version = $7`,
		string(c.Ref), c.Seq, string(c.Status), c.Version, payload, c.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return &cluster.StoreUnavailableError{Op: "update cluster", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return p.staleError(ctx, c.Ref, expectedVersion)
	}
	return nil
}

func (p *Postgres) NextSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := p.pool.QueryRow(ctx, `SELECT nextval('cluster_seq')`).Scan(&seq)
	if err != nil {
		return 0, &cluster.StoreUnavailableError{Op: "next seq", Err: err}
	}
	return seq, nil
}

// staleError distinguishes a plain version race from a merged-away cluster so
// the caller knows whether to retry in place or follow the redirect.
func (p *Postgres) staleError(ctx context.Context, ref cluster.Ref, expected int64) error {
	e := &cluster.StaleVersionError{Ref: ref, Expected: expected}
	current, err := p.GetCluster(ctx, ref)
	if err == nil && current.Status == cluster.StatusMergedInto {
		e.RedirectTo = current.MergedInto
	}
	return e
}

func (p *Postgres) encodeCluster(c *cluster.IdentityCluster) ([]byte, error) {
	cp := c.Clone()
	if err := p.encryptIdentifiers(cp.Snapshot.Identifiers); err != nil {
		return nil, fmt.Errorf("encrypting cluster %s: %w", c.Ref, err)
	}
	return json.Marshal(cp)
}

func (p *Postgres) encryptIdentifiers(ids []record.Identifier) error {
	for i := range ids {
		enc, err := p.crypto.Encrypt([]byte(ids[i].Value))
		if err != nil {
			return err
		}
		ids[i].Value = enc
	}
	return nil
}

func (p *Postgres) decryptIdentifiers(ids []record.Identifier) error {
	for i := range ids {
		plain, err := p.crypto.Decrypt(ids[i].Value)
		if err != nil {
			return err
		}
		ids[i].Value = string(plain)
	}
	return nil
}
