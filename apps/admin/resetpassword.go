package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trezcool/lecturelog/core"
)

func (cli *commandLine) newResetPasswordCommand() *cobra.Command {
	var uname string
	cmd := &cobra.Command{
		Use:   "resetpassword",
		Short: "Reset an account's password; the password is prompted next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			uname = core.CleanString(uname, true /* lower */)
			if uname == "" {
				_ = cmd.Usage()
				return errHelp
			}
			pwd, err := cli.readPassword(cmd)
			if err != nil {
				return err
			}
			if err := cli.accSvc.ResetPassword(cmd.Context(), uname, pwd); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password of %q reset\n", uname)
			return nil
		},
	}
	cmd.Flags().StringVar(&uname, "username", "", "the account's username")
	return cmd
}
