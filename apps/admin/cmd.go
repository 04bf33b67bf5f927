package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/subject"
	"github.com/trezcool/lecturelog/storage/database"
)

var (
	readPasswordFunc = term.ReadPassword // mockable
	openSQLFunc      = database.OpenSQL  // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf       *core.Config
	accSvc     account.Service
	lectureSvc lecture.Service
	subjectSvc subject.Service
	out        io.Writer
}

func (cli *commandLine) run(args []string) error {
	root := cli.newRootCommand()
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func (cli *commandLine) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "admin",
		Short:         "LectureLog administration",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return errHelp
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetOut(cli.out)
	cmd.SetErr(cli.out)

	cmd.AddCommand(cli.newAddUserCommand())
	cmd.AddCommand(cli.newResetPasswordCommand())
	cmd.AddCommand(cli.newMigrateCommand())
	cmd.AddCommand(cli.newImportRosterCommand())
	cmd.AddCommand(cli.newExportLecturesCommand())
	cmd.AddCommand(cli.newResetSubjectsCommand())
	return cmd
}

// readPassword prompts for a password; an empty answer is errHelp.
func (cli *commandLine) readPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "Enter password:")
	pwd, err := readPasswordFunc(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		_ = cmd.Usage()
		return "", errHelp
	}
	return string(pwd), nil
}

func (cli *commandLine) openDB() (*sql.DB, error) {
	if cli.conf.Store.Engine != "postgres" {
		return nil, fmt.Errorf("migrations only apply to the postgres store (store engine is %q)", cli.conf.Store.Engine)
	}
	return openSQLFunc(cli.conf)
}
