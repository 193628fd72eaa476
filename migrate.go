package main

import (
	"github.com/labstack/gommon/log"
	"github.com/spf13/cobra"

	"microblog/config"
	"microblog/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), store.Config{AppID: cfg.AppID, Driver: cfg.DBDriver, URL: cfg.DBURL}, log.New("migrate"))
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}
