package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/go-sql-driver/mysql"

	"github.com/jmartynas/bytemason/internal/config"
	"github.com/jmartynas/bytemason/internal/errs"
)

// Open connects to the primary and every replica. Writes go to the primary; reads
// are balanced across replicas when there are any.
func Open(ctx context.Context, cfg config.MySQLConfig) (dbresolver.DB, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, errs.ErrDSNNotConfigured
	}

	primary, err := open(ctx, cfg, dsn)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	conns := []dbresolver.OptionFunc{
		dbresolver.WithPrimaryDBs(primary),
	}
	opened := []*sql.DB{primary}

	for i, replicaDSN := range cfg.ReplicaDSNList() {
		replica, err := open(ctx, cfg, replicaDSN)
		if err != nil {
			for _, db := range opened {
				_ = db.Close()
			}
			return nil, fmt.Errorf("replica %d: %w", i, err)
		}
		opened = append(opened, replica)
		conns = append(conns, dbresolver.WithReplicaDBs(replica))
	}

	return dbresolver.New(conns...), nil
}

func open(ctx context.Context, cfg config.MySQLConfig, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}
