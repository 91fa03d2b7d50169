package cli

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/classcache/internal/system"
)

func (a *app) runCommand() *cobra.Command {
	var ext string

	cmd := &cobra.Command{
		Use:   "run <dir>",
		Short: "Route every file under a directory through the cache",
		Long: `Walk dir and look up every file with the given extension through a full
cache system, as a running process would. Files are keyed by their path
relative to dir without the extension. Misses are stored unchanged, which
populates the cache root and the load order for the next start.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.configuration()
			if err != nil {
				return err
			}
			logger, err := a.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sys, err := system.New(ctx, cfg, system.WithLogger(logger))
			if err != nil {
				return err
			}

			start := time.Now()
			files, bytesIn, walkErr := walkInputs(ctx, args[0], ext, sys)

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			shutdownErr := sys.Shutdown(shutdownCtx)

			st := sys.Stats()
			out := cmd.OutOrStdout()
			printf(out, "processed %s files (%s) in %s\n",
				humanize.Comma(int64(files)), humanize.IBytes(uint64(bytesIn)), time.Since(start).Round(time.Millisecond))
			printf(out, "hot hits %d, warm hits %d, disk hits %d, transforms %d\n",
				st.Hot.Hits, st.Warm.Hits, st.DiskHits, st.Transforms)
			printf(out, "rejected %d, failed %d, timed out %d, blacklisted %d\n",
				st.Rejections, st.Failures, st.Timeouts, st.Blacklisted)
			if st.MemoryOnly {
				printf(out, "cache root %s is not writable, nothing was persisted\n", sys.Root())
			}

			if walkErr != nil {
				return walkErr
			}
			return shutdownErr
		},
	}
	cmd.Flags().StringVarP(&ext, "ext", "e", ".class", "File extension to process")
	return cmd
}

func walkInputs(ctx context.Context, dir, ext string, sys *system.CacheSystem) (int, int64, error) {
	files := 0
	var total int64

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ext) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		sys.LookupOrTransformSource(ctx, system.Source{
			Key:     filepath.ToSlash(strings.TrimSuffix(rel, ext)),
			Input:   data,
			ModTime: info.ModTime().UnixNano(),
		}, identity)

		files++
		total += int64(len(data))
		return nil
	})
	return files, total, err
}

func identity(_ context.Context, in []byte) ([]byte, error) {
	return append([]byte(nil), in...), nil
}
