package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (cli *commandLine) newResetSubjectsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resetsubjects",
		Short: "Restore the default subject list, discarding custom subjects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.subjectSvc.Reset(cmd.Context()); err != nil {
				return err
			}
			names, err := cli.subjectSvc.List(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subjects: %s\n", strings.Join(names, ", "))
			return nil
		},
	}
}
