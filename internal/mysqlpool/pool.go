// Package mysqlpool wraps database/sql with the connection settings
// and idle keepalive the stats pipeline relies on.
package mysqlpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/cheeseformice/backend/internal/config"
)

const keepaliveInterval = 60 * time.Second

// Pool is one MySQL endpoint with a background liveness ping.
type Pool struct {
	DB   *sql.DB
	name string
	log  zerolog.Logger
}

// Open connects to the endpoint described by cfg. name labels the pool
// in logs ("internal", "external").
func Open(cfg config.DB, name string, logger zerolog.Logger) (*Pool, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.Host + ":3306"
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.InterpolateParams = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", name, err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	return &Pool{
		DB:   db,
		name: name,
		log:  logger.With().Str("pool", name).Logger(),
	}, nil
}

// Keepalive pings an idle connection every 60 seconds until ctx ends.
// Run it in its own goroutine.
func (p *Pool) Keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.DB.PingContext(ctx); err != nil {
				p.log.Warn().Err(err).Msg("Keepalive ping failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the pool.
func (p *Pool) Close() error { return p.DB.Close() }
