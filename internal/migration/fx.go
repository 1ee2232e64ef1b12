package migration

import (
	"strings"

	"github.com/fableloom/loom-credits/internal/config"
	creditsdomain "github.com/fableloom/loom-credits/internal/credits/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL migrations target postgres; other dialects
		// (sqlite for local dev, mysql) fall back to the model schema.
		if !strings.EqualFold(cfg.DBType, "postgres") {
			return conn.AutoMigrate(
				&creditsdomain.UserAccount{},
				&creditsdomain.UsageEvent{},
				&creditsdomain.CreditTransaction{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
