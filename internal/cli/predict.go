package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/classcache/internal/predictor"
)

func (a *app) predictCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:          "predict",
		Short:        "Print the load order recorded by the previous session",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.configuration()
			if err != nil {
				return err
			}

			p := predictor.New(predictor.Config{
				Path:       filepath.Join(cfg.Global.CacheRoot, predictor.FileName),
				Cap:        cfg.Predictor.LoadOrderCap,
				PrewarmCap: cfg.Predictor.PrewarmCap,
			})
			keys, err := p.LoadPredicted()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, key := range keys {
				if limit > 0 && i >= limit {
					break
				}
				marker := " "
				if i < cfg.Predictor.PrewarmCap {
					marker = "*"
				}
				printf(out, "%s %4d  %s\n", marker, i+1, key)
			}
			printf(out, "%d keys, the first %d (*) are prewarmed at startup\n",
				len(keys), min(len(keys), cfg.Predictor.PrewarmCap))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of keys to print (0 prints all)")
	return cmd
}
