package cli

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/classcache/internal/circuit"
	"github.com/scttfrdmn/classcache/internal/index"
	"github.com/scttfrdmn/classcache/internal/predictor"
)

func (a *app) inspectCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the contents of a cache root",
		Long: `Print the index header, a summary of the cached entries and the
list of entries. The cache root is only read, never modified.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.configuration()
			if err != nil {
				return err
			}
			return inspect(cmd, cfg.Global.CacheRoot, index.ProducerVersion{
				Major: cfg.Producer.Major,
				Minor: cfg.Producer.Minor,
			}, cfg.Producer.Name, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries to list (0 lists all)")
	return cmd
}

func inspect(cmd *cobra.Command, root string, producer index.ProducerVersion, name string, limit int) error {
	out := cmd.OutOrStdout()
	printf(out, "cache root:  %s\n", root)

	data, err := os.ReadFile(filepath.Join(root, index.IndexFile))
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		printf(out, "index:       none\n")
		data = nil
	}

	var entries []index.Entry
	if data != nil {
		header, decoded, err := index.Decode(data)
		if err != nil {
			printf(out, "index:       corrupt (%v)\n", err)
		} else {
			entries = decoded
			expected := index.ProducerString(name, producer)
			state := "current"
			if header.Producer != expected {
				state = "stale, expected " + expected
			}
			printf(out, "index:       format %d, %s, producer %q (%s)\n",
				header.FormatVersion, humanize.IBytes(uint64(len(data))), header.Producer, state)
		}
	}

	var total uint64
	live := 0
	for _, e := range entries {
		total += e.OutputSize
		if e.Producer == producer {
			live++
		}
	}
	printf(out, "entries:     %s (%s live), %s cached\n",
		humanize.Comma(int64(len(entries))), humanize.Comma(int64(live)), humanize.IBytes(total))

	if info, err := os.Stat(filepath.Join(root, index.JournalFile)); err == nil {
		printf(out, "journal:     %s\n", humanize.IBytes(uint64(info.Size())))
	}
	printf(out, "load order:  %d keys\n", countLines(filepath.Join(root, predictor.FileName)))
	printf(out, "blacklisted: %d keys\n", countLines(filepath.Join(root, circuit.BlacklistFile)))

	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	shown := entries
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	printf(out, "\n")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	printf(tw, "KEY\tSIZE\tPRODUCER\tCACHED\tFILE\n")
	for _, e := range shown {
		cached := "-"
		if e.CachedAt > 0 {
			cached = humanize.Time(time.Unix(0, e.CachedAt))
		}
		printf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Key, humanize.IBytes(e.OutputSize), e.Producer, cached, e.BackingFile)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(shown) < len(entries) {
		printf(out, "... %d more\n", len(entries)-len(shown))
	}
	return nil
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<17)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n
}
