package migration

import (
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, dbCfg db.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			return nil
		}
		log = log.Named("migration")

		if !db.IsPostgres(dbCfg) {
			log.Info("building schema from models", zap.String("type", dbCfg.Type))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		log.Info("applying embedded migrations")
		return RunMigrations(sqlDB)
	}),
)
