// Package database provides the SQLite connection that backs graygate's
// metadata store.
//
// The database holds a single metadata document plus its resource version
// and a schema_migrations bookkeeping table. Migrations are read from an
// fs.FS (normally the embedded migrations package) and applied in version
// order, each in its own transaction.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
