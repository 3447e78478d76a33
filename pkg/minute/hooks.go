package minute

import (
	"context"
	"database/sql"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/cube-drone/logmunch/pkg/logging"
)

const sqliteDriverName = "sqlite3_logmunch_hooked"

var registerDriverOnce sync.Once

// registerDriver wraps the sqlite3 driver with query-timing hooks,
// exactly once per process regardless of how many Minute files get
// opened.
func registerDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(sqliteDriverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryHooks{}))
	})
}

type queryHooks struct{}

type beginKey struct{}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	logging.Debugf("minute: query %s %q", query, args)
	return context.WithValue(ctx, beginKey{}, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey{}).(time.Time); ok {
		logging.Debugf("minute: query took %s", time.Since(begin))
	}
	return ctx, nil
}
