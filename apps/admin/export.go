package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/lecture"
)

var lectureHeader = []interface{}{"Date", "Subject", "Topic", "Student", "Roll No", "Status", "Likes", "Attachments", "Remark"}

func (cli *commandLine) newExportLecturesCommand() *cobra.Command {
	var filter lecture.QueryFilter
	cmd := &cobra.Command{
		Use:   "exportlectures FILE.xlsx",
		Short: "Write the lectures (newest first) to a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := cli.exportLectures(cmd, args[0], filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d lectures written to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Subject, "subject", "", "only lectures filed under this subject")
	cmd.Flags().StringVar(&filter.Status, "status", "", "only lectures with this status (pending, approved, rejected)")
	cmd.Flags().StringVar(&filter.OwnerID, "owner", "", "only lectures submitted by this account id")
	return cmd
}

func (cli *commandLine) exportLectures(cmd *cobra.Command, path string, filter lecture.QueryFilter) (int, error) {
	// admins see every lecture
	viewer := account.Account{Role: account.RoleAdmin, Status: account.StatusActive}
	lectures, err := cli.lectureSvc.Query(cmd.Context(), viewer, filter)
	if err != nil {
		return 0, errors.Wrap(err, "querying lectures")
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)

	if err := f.SetSheetRow(sheet, "A1", &lectureHeader); err != nil {
		return 0, errors.Wrap(err, "writing header")
	}
	for i, l := range lectures {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		row := []interface{}{
			l.Date, l.Subject, l.Topic, l.OwnerName, l.RollNo, l.Status,
			len(l.LikedBy), len(l.Attachments), l.AdminRemark,
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return 0, errors.Wrapf(err, "writing lecture %s", l.ID)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return 0, errors.Wrap(err, "saving spreadsheet")
	}
	return len(lectures), nil
}
