package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trezcool/lecturelog/core/account"
)

func (cli *commandLine) newAddUserCommand() *cobra.Command {
	var (
		na      account.NewAccount
		isAdmin bool
	)
	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "Create an active account; the password is prompted next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if na.Username == "" || na.Name == "" {
				_ = cmd.Usage()
				return errHelp
			}
			pwd, err := cli.readPassword(cmd)
			if err != nil {
				return err
			}
			na.Password, na.PasswordConfirm = pwd, pwd
			if isAdmin {
				na.Role = account.RoleAdmin
			}
			acc, err := cli.accSvc.AdminAdd(cmd.Context(), na)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %q (%s)\n", acc.Role, acc.Username, acc.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&na.Username, "username", "", "the account's username (roll number for students)")
	cmd.Flags().StringVar(&na.Name, "name", "", "the account holder's display name")
	cmd.Flags().StringVar(&na.Email, "email", "", "optional email address")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "create an admin instead of a student")
	return cmd
}
