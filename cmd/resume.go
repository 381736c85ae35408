package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/fetchd/internal/output"
	"github.com/tanq16/fetchd/internal/store"
)

func newResumeCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resume [--all]",
		Short: "Continue unfinished downloads recorded in the state store",
		Long: "Continue unfinished downloads recorded in the state store. Downloads that were " +
			"transferring when fetchd last exited restart automatically; --all also starts queued and paused ones.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			n, err := s.engine.LoadFromStore(s.ctx)
			if err != nil {
				s.wait()
				return err
			}
			if n == 0 {
				output.PrintInfo("Nothing to resume")
			} else {
				fmt.Println(output.ActiveTable(s.engine.List(), markdown))
			}
			for _, info := range s.engine.List() {
				s.display.Register(info)
				if all && (info.Status == store.StatusQueued || info.Status == store.StatusPaused) {
					if err := s.engine.Start(info.URL); err != nil {
						output.PrintWarning(fmt.Sprintf("%s could not start %s: %v", output.StyleSymbols["warning"], info.URL, err))
					}
				}
			}
			return s.wait()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Also start queued and paused downloads")
	return cmd
}
