package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/fetchd/internal/output"
	"github.com/tanq16/fetchd/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [dir]",
		Short: "Remove leftover temporary (.part) files",
		Long:  "Remove leftover temporary (.part) files. Downloads whose temporary files are removed restart from zero.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cfg.SavePath
			if len(args) > 0 {
				dir = args[0]
			}
			removed, err := utils.Clean(dir)
			if err != nil {
				return err
			}
			for _, path := range removed {
				output.PrintInfo(fmt.Sprintf("%s %s", output.StyleSymbols["bullet"], path))
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d temporary file(s)", len(removed)))
			return nil
		},
	}
}
