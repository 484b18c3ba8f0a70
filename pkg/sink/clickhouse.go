package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/Sternrassler/gh-star-collector/pkg/collector"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	// URL of the server; http(s):// selects the HTTP interface, clickhouse://
	// or tcp:// the native protocol.
	URL      string
	Database string
	User     string
	Password string

	// CreateTables runs CREATE TABLE IF NOT EXISTS for the three tables on open.
	CreateTables bool

	DialTimeout time.Duration
}

// Schema holds the DDL of the three tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + TableRepositories + ` (
		name String,
		owner String,
		stars UInt32,
		watchers UInt32,
		forks UInt32,
		language String,
		updated DateTime
	) ENGINE = ReplacingMergeTree(updated) ORDER BY (owner, name)`,
	`CREATE TABLE IF NOT EXISTS ` + TableAuthorCommits + ` (
		date DateTime,
		repo String,
		author String,
		commits_num UInt32
	) ENGINE = ReplacingMergeTree ORDER BY (date, repo, author)`,
	`CREATE TABLE IF NOT EXISTS ` + TablePositions + ` (
		date DateTime,
		repo String,
		position UInt32
	) ENGINE = ReplacingMergeTree ORDER BY (date, repo)`,
}

// inserter is the part of a ClickHouse connection the sink uses.
type inserter interface {
	insert(ctx context.Context, table string, rows [][]any) error
	exec(ctx context.Context, query string) error
	close() error
}

// driverInserter adapts a clickhouse-go connection.
type driverInserter struct {
	conn driver.Conn
}

func (d driverInserter) insert(ctx context.Context, table string, rows [][]any) error {
	batch, err := d.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", table, err)
	}

	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to %s: %w", table, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send insert into %s: %w", table, err)
	}
	return nil
}

func (d driverInserter) exec(ctx context.Context, query string) error {
	return d.conn.Exec(ctx, query)
}

func (d driverInserter) close() error {
	return d.conn.Close()
}

// ClickHouse inserts each batch into the three tables concurrently.
type ClickHouse struct {
	conn   inserter
	now    func() time.Time
	logger zerolog.Logger
}

// OpenClickHouse connects, pings and optionally creates the tables.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouse, error) {
	opts, err := clickHouseOptions(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	ch := newClickHouse(driverInserter{conn: conn})
	if cfg.CreateTables {
		if err := ch.CreateTables(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	ch.logger.Info().
		Str("addr", opts.Addr[0]).
		Str("database", cfg.Database).
		Msg("Connected to ClickHouse")

	return ch, nil
}

func newClickHouse(conn inserter) *ClickHouse {
	return &ClickHouse{
		conn:   conn,
		now:    time.Now,
		logger: logging.NewLogger(logging.ComponentSink),
	}
}

func clickHouseOptions(cfg ClickHouseConfig) (*clickhouse.Options, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("clickhouse url %q has no host", cfg.URL)
	}

	opts := &clickhouse.Options{
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	port := u.Port()
	switch u.Scheme {
	case "http":
		opts.Protocol = clickhouse.HTTP
		if port == "" {
			port = "8123"
		}
	case "https":
		opts.Protocol = clickhouse.HTTP
		opts.TLS = &tls.Config{ServerName: u.Hostname()}
		if port == "" {
			port = "8443"
		}
	case "clickhouse", "tcp":
		opts.Protocol = clickhouse.Native
		if port == "" {
			port = "9000"
		}
	default:
		return nil, fmt.Errorf("unsupported clickhouse url scheme %q", u.Scheme)
	}
	opts.Addr = []string{net.JoinHostPort(u.Hostname(), port)}

	return opts, nil
}

// CreateTables creates the three tables if they do not exist.
func (c *ClickHouse) CreateTables(ctx context.Context) error {
	for _, ddl := range Schema {
		if err := c.conn.exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Insert implements Sink. The three inserts run concurrently; the batch
// fails if any of them fails.
func (c *ClickHouse) Insert(ctx context.Context, repos []collector.Repository) error {
	if len(repos) == 0 {
		return nil
	}

	rows := Flatten(repos, Timestamp(c.now()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.insert(gctx, TableRepositories, repositoryValues(rows.Repositories))
	})
	g.Go(func() error {
		return c.insert(gctx, TableAuthorCommits, authorCommitsValues(rows.AuthorCommits))
	})
	g.Go(func() error {
		return c.insert(gctx, TablePositions, positionValues(rows.Positions))
	})
	if err := g.Wait(); err != nil {
		return err
	}

	countRows(rows)
	c.logger.Info().
		Int("repositories", len(rows.Repositories)).
		Int("author_commits", len(rows.AuthorCommits)).
		Int("positions", len(rows.Positions)).
		Msg("Batch inserted")

	return nil
}

func (c *ClickHouse) insert(ctx context.Context, table string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	return c.conn.insert(ctx, table, rows)
}

// Close implements Sink.
func (c *ClickHouse) Close() error {
	if c.conn == nil {
		return errors.New("clickhouse sink not open")
	}
	return c.conn.close()
}

func repositoryValues(rows []RepositoryRow) [][]any {
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, []any{r.Name, r.Owner, r.Stars, r.Watchers, r.Forks, r.Language, r.Updated})
	}
	return values
}

func authorCommitsValues(rows []AuthorCommitsRow) [][]any {
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, []any{r.Date, r.Repo, r.Author, r.CommitsNum})
	}
	return values
}

func positionValues(rows []PositionRow) [][]any {
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, []any{r.Date, r.Repo, r.Position})
	}
	return values
}
