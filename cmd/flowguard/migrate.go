package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BaSui01/flowguard/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	os.Exit(migrateMain(context.Background(), args, os.Stdout, os.Stderr))
}

// migrateMain 返回进程退出码
func migrateMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printMigrateUsage(stderr)
		return 1
	}

	subcommand, rest := args[0], args[1:]
	steps := 0
	switch subcommand {
	case "up", "down", "status", "version", "info":
	case "steps":
		if len(rest) < 1 {
			fmt.Fprintln(stderr, "Usage: flowguard migrate steps <n> [options]")
			return 1
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n == 0 {
			fmt.Fprintf(stderr, "Invalid step count: %s\n", rest[0])
			return 1
		}
		steps, rest = n, rest[1:]
	case "help", "-h", "--help":
		printMigrateUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage(stderr)
		return 1
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if errors.Is(err, migration.ErrManagedByORM) {
		fmt.Fprintf(stdout, "Nothing to do: %v\n", err)
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)

	switch subcommand {
	case "up":
		err = cli.RunUp(ctx)
	case "down":
		err = cli.RunDown(ctx)
	case "steps":
		err = cli.RunSteps(ctx, steps)
	case "status":
		err = cli.RunStatus(ctx)
	case "version":
		err = cli.RunVersion(ctx)
	case "info":
		err = cli.RunInfo(ctx)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Migration %s failed: %v\n", subcommand, err)
		return 1
	}
	return 0
}

// createMigrator --db-type 与 --db-url 同时给出时直接使用，否则读取配置文件的 database 段
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		t, err := migration.ParseDatabaseType(dbType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{DatabaseType: t, DatabaseURL: dbURL}, nil)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, nil)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  flowguard migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  status      Show migration status
  version     Show current migration version
  info        Show migration summary
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

sqlite schemas are created by gorm auto-migration on startup.`)
}
