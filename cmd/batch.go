package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/fetchd/internal/scheduler"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

// BatchFile groups entries by source type. Only http sections are downloaded.
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no valid entries found in %s", args[0])
			}
			s, err := newSession()
			if err != nil {
				return err
			}
			jobs := make([]scheduler.Job, 0, len(entries))
			for _, entry := range entries {
				jobs = append(jobs, scheduler.Job{URL: entry.Link, FileName: entry.OutputPath})
			}
			s.run(jobs)
			return s.wait()
		},
	}
}

func readBatchFile(path string) ([]BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	return batchEntries(batchFile), nil
}

func batchEntries(batchFile BatchFile) []BatchEntry {
	sections := make([]string, 0, len(batchFile))
	for section := range batchFile {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	var entries []BatchEntry
	for _, section := range sections {
		switch strings.ToLower(section) {
		case "http", "https":
		default:
			log.Warn().Str("op", "cmd/batch").Str("section", section).Msg("unsupported section, skipping")
			continue
		}
		for _, entry := range batchFile[section] {
			if strings.TrimSpace(entry.Link) == "" {
				log.Warn().Str("op", "cmd/batch").Str("section", section).Msg("empty link, skipping")
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries
}
