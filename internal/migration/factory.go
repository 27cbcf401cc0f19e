package migration

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/config"
)

// NewMigratorFromDatabaseConfig creates a migrator from the database section of the config
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	if dbType == DatabaseTypeSQLite {
		return nil, ErrManagedByORM
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  BuildDatabaseURL(dbType, dbCfg),
		TableName:    "schema_migrations",
	}, logger)
}

// BuildDatabaseURL builds the connection string handed to database/sql
func BuildDatabaseURL(dbType DatabaseType, dbCfg config.DatabaseConfig) string {
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := dbCfg.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name, sslMode)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name)
	default:
		return ""
	}
}
