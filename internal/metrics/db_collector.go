package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector publishes connection statistics of the account pool (pgx)
// and the audit pool (database/sql under sqlx)
type DBStatsCollector struct {
	pgxPool  *pgxpool.Pool
	auditDB  *sql.DB
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDBStatsCollector creates a new database stats collector. Either pool may be nil.
func NewDBStatsCollector(pgxPool *pgxpool.Pool, auditDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool: pgxPool,
		auditDB: auditDB,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
}

// Stop stops the database stats collector
func (c *DBStatsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.logger.Info("database stats collector stopped")
	})
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnectionsOpen.WithLabelValues("accounts").Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues("accounts").Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues("accounts").Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.WithLabelValues("accounts").Set(float64(stat.MaxConns()))
	}

	if c.auditDB != nil {
		stats := c.auditDB.Stats()
		DBConnectionsOpen.WithLabelValues("audit").Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues("audit").Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues("audit").Set(float64(stats.Idle))
		DBConnectionsMaxOpen.WithLabelValues("audit").Set(float64(stats.MaxOpenConnections))
	}
}

// RecordQueryDuration records the duration of a database query
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery is a helper function to time database queries
// Usage: defer metrics.TimeQuery("account_update")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the result
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
