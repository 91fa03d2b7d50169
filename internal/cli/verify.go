package cli

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/scttfrdmn/classcache/internal/config"
	"github.com/scttfrdmn/classcache/internal/index"
)

func (a *app) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recover the journal and repair the cache root",
		Long: `Replay the write-ahead journal, discard incomplete writes, check every
indexed backing file and purge the broken ones, remove orphaned files and
rewrite the index.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.configuration()
			if err != nil {
				return err
			}
			return a.verify(cmd, cfg)
		},
	}
}

func (a *app) verify(cmd *cobra.Command, cfg *config.Configuration) (err error) {
	logger, err := a.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	idx, err := index.New(index.Config{
		Root: cfg.Global.CacheRoot,
		Producer: index.ProducerVersion{
			Major: cfg.Producer.Major,
			Minor: cfg.Producer.Minor,
		},
		ProducerName: cfg.Producer.Name,
		Logger:       logger,
		OrphanGrace:  cfg.Cache.OrphanGrace,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, idx.Journal().Close())
	}()

	out := cmd.OutOrStdout()

	recovered, err := idx.Recover()
	if err != nil {
		return err
	}
	printf(out, "journal:  %d records, %d committed, %d incomplete", recovered.Records, recovered.Committed, len(recovered.Incomplete))
	if recovered.Corrupt {
		printf(out, " (corrupt, discarded)")
	}
	printf(out, "\n")

	loaded, loadErr := idx.Load()
	switch {
	case loadErr != nil:
		printf(out, "index:    corrupt, rebuilt empty (%v)\n", loadErr)
	case loaded.Missing:
		printf(out, "index:    none\n")
	case loaded.Stale:
		printf(out, "index:    stale producer, %d entries dropped\n", loaded.Dropped)
	default:
		printf(out, "index:    %d entries loaded, %d dropped\n", loaded.Loaded, loaded.Dropped)
	}

	report, err := idx.SelfHeal(cmd.Context())
	if err != nil {
		return err
	}
	printf(out, "checked:  %d entries in %s\n", report.Checked, report.Duration.Round(time.Microsecond))
	printf(out, "purged:   %d (%d missing, %d size mismatch, %d bad magic)\n",
		report.Purged(), report.Missing, report.SizeMismatch, report.BadMagic)
	printf(out, "removed:  %d orphans, %d temp files\n", report.OrphansRemoved, report.TempsRemoved)

	if err := idx.Flush(); err != nil {
		return err
	}
	printf(out, "index:    %d entries written\n", idx.Len())
	return nil
}
