package store

import (
	"github.com/rotisserie/eris"
)

// Text store drivers accepted by OpenText.
const (
	DriverSQLite    = "sqlite"
	DriverManticore = "manticore"
)

// OpenText opens the configured full-text store. For sqlite dsn is a file
// path or URI; for manticore it is the host:port of searchd's mysql listener.
func OpenText(driver, dsn string, maxConns int) (Text, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteText(dsn)
	case DriverManticore:
		return NewManticore(ManticoreConfig{Addr: dsn, MaxConns: maxConns})
	default:
		return nil, eris.Errorf("store: unknown text driver %q", driver)
	}
}
