package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/scttfrdmn/classcache/internal/circuit"
	"github.com/scttfrdmn/classcache/internal/index"
	"github.com/scttfrdmn/classcache/internal/predictor"
)

func (a *app) clearCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached entry",
		Long: `Remove all backing files, the index, the journal, the recorded load
order and the blacklist dump from the cache root.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to clear without --force")
			}
			cfg, err := a.configuration()
			if err != nil {
				return err
			}
			logger, err := a.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			idx, err := index.New(index.Config{
				Root:         cfg.Global.CacheRoot,
				ProducerName: cfg.Producer.Name,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			errs := idx.Clear()
			errs = multierr.Append(errs, idx.Journal().Close())

			for _, name := range []string{index.IndexFile, index.JournalFile, predictor.FileName, circuit.BlacklistFile} {
				if err := os.Remove(filepath.Join(cfg.Global.CacheRoot, name)); err != nil && !os.IsNotExist(err) {
					errs = multierr.Append(errs, err)
				}
			}
			if errs != nil {
				return errs
			}

			printf(cmd.OutOrStdout(), "cleared %s\n", cfg.Global.CacheRoot)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Confirm deletion")
	return cmd
}
