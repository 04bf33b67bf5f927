package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
)

// rosterColumns maps accepted header spellings to NewAccount fields.
var rosterColumns = map[string]string{
	"name":      "name",
	"full name": "name",
	"username":  "username",
	"roll no":   "username",
	"roll no.":  "username",
	"email":     "email",
	"password":  "password",
}

type rosterResult struct {
	created, skipped int
	failures         []string
}

func (cli *commandLine) newImportRosterCommand() *cobra.Command {
	var isAdmin bool
	cmd := &cobra.Command{
		Use:   "importroster FILE.xlsx",
		Short: "Create active accounts from the first sheet of a spreadsheet (name, username, email, password)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cli.importRoster(cmd, args[0], isAdmin)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range res.failures {
				fmt.Fprintln(out, f)
			}
			fmt.Fprintf(out, "%d created, %d skipped (already exist), %d failed\n", res.created, res.skipped, len(res.failures))
			return nil
		},
	}
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "create admins instead of students")
	return cmd
}

func (cli *commandLine) importRoster(cmd *cobra.Command, path string, isAdmin bool) (rosterResult, error) {
	var res rosterResult

	f, err := excelize.OpenFile(path)
	if err != nil {
		return res, errors.Wrap(err, "opening roster")
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return res, errors.New("roster has no sheet")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return res, errors.Wrapf(err, "reading sheet %q", sheet)
	}
	if len(rows) == 0 {
		return res, errors.New("roster is empty")
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		if field, ok := rosterColumns[strings.ToLower(core.CleanString(h))]; ok {
			cols[field] = i
		}
	}
	for _, field := range []string{"name", "username", "password"} {
		if _, ok := cols[field]; !ok {
			return res, errors.Errorf("roster header lacks a %q column", field)
		}
	}
	cell := func(row []string, field string) string {
		i, ok := cols[field]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	for n, row := range rows[1:] {
		na := account.NewAccount{
			Name:     cell(row, "name"),
			Username: cell(row, "username"),
			Email:    cell(row, "email"),
			Password: cell(row, "password"),
		}
		if core.CleanString(na.Name) == "" && core.CleanString(na.Username) == "" {
			continue // blank line
		}
		na.PasswordConfirm = na.Password
		if isAdmin {
			na.Role = account.RoleAdmin
		}

		_, err := cli.accSvc.AdminAdd(cmd.Context(), na)
		var verr *core.ValidationError
		switch {
		case err == nil:
			res.created++
		case errors.As(err, &verr) && verr.Err == account.ErrUsernameExists:
			res.skipped++
		case errors.As(err, &verr):
			res.failures = append(res.failures, fmt.Sprintf("row %d: %s", n+2, describeFields(verr)))
		default:
			return res, errors.Wrapf(err, "row %d", n+2)
		}
	}
	return res, nil
}

func describeFields(verr *core.ValidationError) string {
	if len(verr.Fields) == 0 {
		return verr.Error()
	}
	parts := make([]string, 0, len(verr.Fields))
	for _, fe := range verr.Fields {
		parts = append(parts, fe.Field+": "+fe.Error)
	}
	return strings.Join(parts, "; ")
}
