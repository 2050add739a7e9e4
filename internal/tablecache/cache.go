package tablecache

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	ErrInvalidTable = errors.New("invalid table name")
	ErrClosed       = errors.New("table cache closed")
)

// Cache keeps one open badger database per table under Dir.
type Cache struct {
	Dir string

	mu     sync.Mutex
	tables map[string]*badgerdb.DB
	closed bool
	logger *zap.Logger
}

func New(dir string) *Cache {
	return &Cache{
		Dir:    dir,
		tables: make(map[string]*badgerdb.DB),
		logger: zap.L().Named("table-cache"),
	}
}

// Get opens the table on first use and returns the cached handle afterwards.
func (c *Cache) Get(table string) (*badgerdb.DB, error) {
	if table == "" || strings.ContainsAny(table, `/\`) || table == "." || table == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if db, ok := c.tables[table]; ok {
		return db, nil
	}

	opts := badgerdb.DefaultOptions(filepath.Join(c.Dir, table)).
		WithLogger(badgerLogger{c.logger.Named(table).Sugar()})
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %q: %w", table, err)
	}
	c.tables[table] = db
	c.logger.Info("opened table", zap.String("table", table))
	return db, nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables)
}

// Close closes every open table.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for name, db := range c.tables {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close table %q: %w", name, err))
		}
		delete(c.tables, name)
	}
	return errors.Join(errs...)
}

// badgerLogger routes badger's logs through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
