package database

import (
	"errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// RunMigrations applies pending schema migrations before the server starts
// accepting traffic. Missing migrations are fatal: serving against an
// unknown schema risks silent ledger corruption.
func RunMigrations() {
	viper.SetDefault("database.migrations", "file://db/migrations")

	m, err := migrate.New(viper.GetString("database.migrations"), GetConfig().URL())
	if err != nil {
		log.WithError(err).Fatal("Could not create migration instance")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.WithError(err).Fatal("Could not apply migrations")
	}
	log.Info("Database migrations applied")
}
