package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/yourusername/oddiya-auth/internal/config"
)

const usage = `Usage: migrate [-path file://migrations] <command> [arg]

Commands:
  up           apply all pending migrations
  down [N]     roll back N migrations (default 1)
  force V      set version V and clear the dirty flag
  version      print the current version
`

func main() {
	source := flag.String("path", "", "migrations source URL (default from config)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *source == "" {
		*source = cfg.Database.MigrationsPath
	}

	db, err := sql.Open("postgres", cfg.Database.PostgresConnectionString())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal(err)
	}

	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(m, flag.Arg(0), flag.Arg(1)); err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("No migrations applied")
	case err != nil:
		log.Fatalf("Failed to read version: %v", err)
	default:
		fmt.Printf("Version: %d (dirty=%t)\n", version, dirty)
	}
}

func run(m *migrate.Migrate, command, arg string) error {
	switch command {
	case "up":
		return ignoreNoChange(m.Up())
	case "down":
		steps := 1
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", arg)
			}
			steps = n
		}
		return ignoreNoChange(m.Steps(-steps))
	case "force":
		// Снимает dirty после упавшей миграции
		v, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("force requires a numeric version, got %q", arg)
		}
		return m.Force(v)
	case "version":
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No change")
		return nil
	}
	return err
}
