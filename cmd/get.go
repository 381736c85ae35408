package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/fetchd/internal/scheduler"
)

func newGetCmd() *cobra.Command {
	var fileName string

	cmd := &cobra.Command{
		Use:   "get [URL...] [--output FILE_NAME]",
		Short: "Download one or more files via HTTP/HTTPS",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileName != "" && len(args) > 1 {
				return fmt.Errorf("--output can only be used with a single URL")
			}
			s, err := newSession()
			if err != nil {
				return err
			}
			jobs := make([]scheduler.Job, 0, len(args))
			for _, url := range args {
				jobs = append(jobs, scheduler.Job{URL: url, FileName: fileName})
			}
			s.run(jobs)
			return s.wait()
		},
	}

	cmd.Flags().StringVarP(&fileName, "output", "o", "", "Output file name (inferred from the URL when not provided)")
	return cmd
}
