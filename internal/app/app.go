package app

import (
	"scribepool/internal/config"
	"scribepool/internal/db"
	"scribepool/internal/engine"
	"scribepool/internal/migrate"
)

// Bootstrap opens the workspace database, applies pending migrations,
// and loads scribepool.yml (with env overrides) into a ready engine.
// The caller owns closing the returned engine's DB handle.
func Bootstrap(workspace string) (engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	return engine.New(conn, cfg), nil
}
