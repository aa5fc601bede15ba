package iasauthpg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BuildPool creates a pgx pool with sane defaults. A "pgx+" scheme prefix is accepted and stripped.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(strings.TrimPrefix(databaseURL, "pgx+"))
	if err != nil {
		return nil, fmt.Errorf("token_repository.pg.parse_url: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("token_repository.pg.connect: %w", err)
	}
	return pool, nil
}
