// Package sqlrepo is a PostgreSQL-backed rulestore.RuleRepository
// (SPEC_FULL.md §1.4), used when a persistence DSN is configured. Schema
// migrations are embedded and applied at construction via golang-migrate.
package sqlrepo

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"github.com/R3E-Network/interceptorhub/internal/rulestore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Repository is a PostgreSQL rulestore.RuleRepository.
type Repository struct {
	db *sqlx.DB
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Repository.
func Open(dsn string) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlrepo: connect: %w", err)
	}
	if err := migrateUp(db.DB, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlrepo: migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

func migrateUp(db *sql.DB, dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

type collectionRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	PackageName string `db:"package_name"`
	Enabled     bool   `db:"enabled"`
}

type ruleRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Enabled      bool           `db:"enabled"`
	CollectionID string         `db:"collection_id"`
	Method       string         `db:"method"`
	Scheme       string         `db:"scheme"`
	Host         string         `db:"host"`
	Port         sql.NullInt64  `db:"port"`
	Path         string         `db:"path"`
	QueryParams  []byte         `db:"query_params"`
	RespStatus   int            `db:"resp_status"`
	RespHeaders  []byte         `db:"resp_headers"`
	RespBody     []byte         `db:"resp_body"`
}

// LoadAll reads every collection and rule. A rule row whose JSON columns
// fail to decode makes the whole call fail with an error naming that row;
// no partial result is returned, so the other rows are not loaded either.
// Unknown-collection references are not checked here; rulestore.Store logs
// those.
func (r *Repository) LoadAll(ctx context.Context) ([]rulestore.Rule, []rulestore.Collection, error) {
	var collRows []collectionRow
	if err := r.db.SelectContext(ctx, &collRows, `SELECT id, name, package_name, enabled FROM hub_collections`); err != nil {
		return nil, nil, fmt.Errorf("sqlrepo: load collections: %w", err)
	}
	collections := make([]rulestore.Collection, 0, len(collRows))
	for _, c := range collRows {
		collections = append(collections, rulestore.Collection{
			ID: c.ID, Name: c.Name, PackageName: c.PackageName, Enabled: c.Enabled,
		})
	}

	var ruleRows []ruleRow
	if err := r.db.SelectContext(ctx, &ruleRows, `
		SELECT id, name, enabled, collection_id, method, scheme, host, port, path,
		       query_params, resp_status, resp_headers, resp_body
		FROM hub_rules`); err != nil {
		return nil, nil, fmt.Errorf("sqlrepo: load rules: %w", err)
	}
	rules := make([]rulestore.Rule, 0, len(ruleRows))
	for _, row := range ruleRows {
		rule, err := row.toRule()
		if err != nil {
			return nil, nil, fmt.Errorf("sqlrepo: decode rule %s: %w", row.ID, err)
		}
		rules = append(rules, rule)
	}
	return rules, collections, nil
}

func (row ruleRow) toRule() (rulestore.Rule, error) {
	var params []rulestore.QueryParam
	if len(row.QueryParams) > 0 {
		if err := json.Unmarshal(row.QueryParams, &params); err != nil {
			return rulestore.Rule{}, err
		}
	}
	var headers map[string]string
	if len(row.RespHeaders) > 0 {
		if err := json.Unmarshal(row.RespHeaders, &headers); err != nil {
			return rulestore.Rule{}, err
		}
	}
	rule := rulestore.Rule{
		ID:           row.ID,
		Name:         row.Name,
		Enabled:      row.Enabled,
		CollectionID: row.CollectionID,
		Method:       row.Method,
		Scheme:       row.Scheme,
		Host:         row.Host,
		Path:         row.Path,
		QueryParams:  params,
		Response: rulestore.RuleResponse{
			StatusCode: row.RespStatus,
			Headers:    headers,
			Body:       row.RespBody,
		},
	}
	if row.Port.Valid {
		p := int(row.Port.Int64)
		rule.Port = &p
	}
	return rule, nil
}

// SaveRule upserts a rule row.
func (r *Repository) SaveRule(ctx context.Context, rule rulestore.Rule) error {
	paramsJSON, err := json.Marshal(rule.QueryParams)
	if err != nil {
		return err
	}
	headersJSON, err := json.Marshal(rule.Response.Headers)
	if err != nil {
		return err
	}
	var port interface{}
	if rule.Port != nil {
		port = *rule.Port
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO hub_rules
			(id, name, enabled, collection_id, method, scheme, host, port, path,
			 query_params, resp_status, resp_headers, resp_body)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			name = $2, enabled = $3, collection_id = $4, method = $5, scheme = $6,
			host = $7, port = $8, path = $9, query_params = $10, resp_status = $11,
			resp_headers = $12, resp_body = $13
	`, rule.ID, rule.Name, rule.Enabled, rule.CollectionID, rule.Method, rule.Scheme,
		rule.Host, port, rule.Path, paramsJSON, rule.Response.StatusCode, headersJSON, rule.Response.Body)
	return err
}

// DeleteRule removes a rule row by id.
func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM hub_rules WHERE id = $1`, id)
	return err
}

// SaveCollection upserts a collection row.
func (r *Repository) SaveCollection(ctx context.Context, c rulestore.Collection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hub_collections (id, name, package_name, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, package_name = $3, enabled = $4
	`, c.ID, c.Name, c.PackageName, c.Enabled)
	return err
}

// DeleteCollection removes a collection row by id; rules referencing it
// cascade per the migration's foreign key.
func (r *Repository) DeleteCollection(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM hub_collections WHERE id = $1`, id)
	return err
}
