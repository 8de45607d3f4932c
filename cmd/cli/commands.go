package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"catalog-similarity-engine/internal/app"
	"catalog-similarity-engine/internal/codec"
	"catalog-similarity-engine/internal/config"
	"catalog-similarity-engine/internal/types"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "catalog-similarity",
		Short: "Admin CLI for the catalogue image-similarity index",
		Long: `catalog-similarity - operate the product embedding index offline.

Commands open the same stores the server uses, so stop the server first when
the embedding store is bolt or badger (both take an exclusive file lock).

Vector files are a JSON array of numbers, or raw little-endian float32 values
when the file name ends in .bin.

Examples:
  catalog-similarity --config config.yaml stats
  catalog-similarity rebuild
  catalog-similarity rebuild --reembed --force
  catalog-similarity upsert --product 42 --image mug.jpg
  catalog-similarity query --vector-file q.json -k 5`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	root.AddCommand(rebuildCmd(), upsertCmd(), queryCmd(), removeCmd(), statsCmd(), compactCmd())
	return root
}

// withApp loads the configuration, opens the components and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfgs, err := config.NewManager(configPath, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfgs)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func readVector(path string) (types.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".bin") {
		return codec.Decode(data)
	}
	var vec types.Vector
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return vec, nil
}

func rebuildCmd() *cobra.Command {
	var reembed, force bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the embedding store",
		Long: `Rebuild the index from every stored embedding and write a new snapshot.

With --reembed, product images are embedded first; products that already have
an embedding are skipped unless --force is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if force {
				reembed = true
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if reembed {
					report, err := a.Indexer.Reindex(ctx, a.Images, force)
					if err != nil {
						return err
					}
					return printJSON(cmd, report)
				}
				if err := a.Manager.RebuildAll(ctx, a.Store); err != nil {
					return err
				}
				return printJSON(cmd, a.Manager.Stats())
			})
		},
	}
	cmd.Flags().BoolVar(&reembed, "reembed", false, "regenerate missing embeddings from product images first")
	cmd.Flags().BoolVar(&force, "force", false, "regenerate every embedding (implies --reembed)")
	return cmd
}

func upsertCmd() *cobra.Command {
	var (
		productID  int64
		vectorFile string
		imageFile  string
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Store and index one product's embedding",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (vectorFile == "") == (imageFile == "") {
				return fmt.Errorf("exactly one of --vector-file or --image is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					rec types.EmbeddingRecord
					err error
				)
				if vectorFile != "" {
					vec, verr := readVector(vectorFile)
					if verr != nil {
						return verr
					}
					rec, err = a.Indexer.IndexVector(ctx, productID, vec)
				} else {
					img, rerr := os.ReadFile(imageFile)
					if rerr != nil {
						return rerr
					}
					rec, err = a.Indexer.IndexProduct(ctx, productID, img)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
	cmd.Flags().Int64Var(&productID, "product", 0, "product id")
	cmd.Flags().StringVar(&vectorFile, "vector-file", "", "vector file (.json or .bin)")
	cmd.Flags().StringVar(&imageFile, "image", "", "image file to embed")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func queryCmd() *cobra.Command {
	var (
		k          int
		vectorFile string
		imageFile  string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search the index with a vector or an image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (vectorFile == "") == (imageFile == "") {
				return fmt.Errorf("exactly one of --vector-file or --image is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if vectorFile != "" {
					vec, err := readVector(vectorFile)
					if err != nil {
						return err
					}
					// Raw matches: the CLI may run without a catalogue.
					matches, err := a.Manager.Query(ctx, vec, k)
					if err != nil {
						return err
					}
					return printJSON(cmd, matches)
				}
				img, err := os.ReadFile(imageFile)
				if err != nil {
					return err
				}
				resp, err := a.Search.Search(ctx, img, k)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of results")
	cmd.Flags().StringVar(&vectorFile, "vector-file", "", "query vector file (.json or .bin)")
	cmd.Flags().StringVar(&imageFile, "image", "", "query image file")
	return cmd
}

func removeCmd() *cobra.Command {
	var productID int64
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a product's embedding from the store and the index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				removed, err := a.Indexer.RemoveProduct(ctx, productID)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"product_id": productID, "removed": removed})
			})
		},
	}
	cmd.Flags().Int64Var(&productID, "product", 0, "product id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index and store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Manager.Load(ctx); err != nil {
					return err
				}
				stored, err := a.Store.Count(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"index": a.Manager.Stats(), "stored": stored})
			})
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop removed entries from the index and rewrite the snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				removed, err := a.Manager.Compact(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"removed": removed, "index": a.Manager.Stats()})
			})
		},
	}
}
