package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/yamiyamiorg/CookieProfile/cookieprofile"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize the database and run migrations, then exit",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable CP_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable CP_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := cookieprofile.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			cfg.DatabaseLogLevel,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("error initializing database: %s", err.Error())
		}
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
		log.Println("database initialized")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
