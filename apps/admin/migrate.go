package main

import (
	"github.com/spf13/cobra"

	"github.com/trezcool/lecturelog/storage/database/pgdb"
)

var migrateFunc = pgdb.Migrate // mockable

func (cli *commandLine) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate COMMAND [ARGS...]",
		Short: "Run a goose command (up, down, redo, status, version, ...) against the postgres store",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_ = cmd.Usage()
				return errHelp
			}
			db, err := cli.openDB()
			if err != nil {
				return err
			}
			if db != nil {
				defer func() { _ = db.Close() }()
			}
			return migrateFunc(db, args[0], args[1:]...)
		},
	}
}
