// Command memstore provisions and inspects the vector store backing agent
// memory. It reads the same environment (and optional .env file) as the
// library, so it talks to exactly the store the application would use.
//
// Examples:
//
//	VECTOR_STORE_PROVIDER=qdrant memstore provision
//	memstore --env-file prod.env collection-info
//	memstore query --vector 0.1,0.2,0.3 --k 3 --filter '{"user_id":"alice"}'
//	memstore list --filter '{"user_id":"alice"}' --limit 20
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/go-memstore/src/config"
	"github.com/Protocol-Lattice/go-memstore/src/memory"
	"github.com/Protocol-Lattice/go-memstore/src/memory/embed"
)

var (
	envFile    string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "memstore",
	Short: "Manage the vector store behind agent memory",
	Long: `memstore selects the configured vector store backend, provisions its
collection for the active embedding model and runs record operations against it.`,
	SilenceUsage: true,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the collection if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, store *memory.Adapter, res memory.ProvisionResult) error {
			verb := "already provisioned"
			if res.Created {
				verb = "created"
			}
			return emit(res, "Collection %q on %s %s with %d dimensions\n", res.Collection, cfg.Backend.Provider, verb, res.Dimensions)
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "collection-info",
	Short: "Describe the configured backend and collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			state, err := store.Describe(ctx)
			if err != nil {
				return err
			}
			info := map[string]any{
				"backend":    cfg.Backend.String(),
				"collection": state.Name,
				"dimensions": state.Dimensions,
				"records":    state.RecordCount,
				"model":      cfg.Embedding.Model,
				"state":      store.State().String(),
			}
			return emit(info, "Backend:    %s\nCollection: %s\nDimensions: %d\nRecords:    %d\nModel:      %s\n",
				info["backend"], state.Name, state.Dimensions, state.RecordCount, cfg.Embedding.Model)
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count records in the collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			n, err := store.Count(ctx)
			if err != nil {
				return err
			}
			return emit(map[string]int64{"count": n}, "%d\n", n)
		})
	},
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Connect, provision and health-check the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			if err := store.HealthCheck(ctx); err != nil {
				return err
			}
			return emit(map[string]string{"status": "ok", "backend": cfg.Backend.String()}, "%s is healthy\n", cfg.Backend)
		})
	},
}

var upsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Insert or replace one record",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		content, _ := cmd.Flags().GetString("content")
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		metadata, err := parseObject("metadata", metadataStr)
		if err != nil {
			return err
		}
		rec := memory.MemoryRecord{ID: id, Content: content, Embedding: vector, Metadata: metadata}
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			stored, err := store.Upsert(ctx, rec)
			if err != nil {
				return err
			}
			return emit(map[string]string{"id": stored}, "Record %q stored\n", stored)
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find the records nearest to a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("k")
		filterStr, _ := cmd.Flags().GetString("filter")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		filter, err := parseObject("filter", filterStr)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			hits, err := store.Query(ctx, vector, k, memory.Filter(filter))
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(hits)
			}
			if len(hits) == 0 {
				fmt.Println("No results")
				return nil
			}
			for i, h := range hits {
				fmt.Printf("%d. %s (score %.4f) %s\n", i+1, h.ID, h.Score, h.Content)
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest records, optionally filtered by metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		filterStr, _ := cmd.Flags().GetString("filter")
		filter, err := parseObject("filter", filterStr)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			records, err := store.List(ctx, memory.Filter(filter), limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No records")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %s  %s\n", r.CreatedAt.Format(time.RFC3339), r.ID, r.Content)
			}
			return nil
		})
	},
}

var listCollectionsCmd = &cobra.Command{
	Use:   "list-collections",
	Short: "List vector collections on the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			names, err := store.Collections(ctx)
			if err != nil {
				return err
			}
			return emit(names, "%s\n", strings.Join(names, "\n"))
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a record by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("--id is required")
		}
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, store *memory.Adapter, _ memory.ProvisionResult) error {
			if err := store.Delete(ctx, id); err != nil {
				return err
			}
			return emit(map[string]string{"deleted": id}, "Record %q deleted\n", id)
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List embedding models with known dimensions",
	RunE: func(cmd *cobra.Command, args []string) error {
		specs := make([]embed.Spec, 0)
		for _, m := range embed.KnownModels() {
			spec, err := embed.Resolve(m)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}
		if outputJSON {
			return printJSON(specs)
		}
		for _, s := range specs {
			fmt.Printf("%-32s %d\n", s.Model, s.Dimensions)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load settings from this file before the environment (default .env if present)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")

	upsertCmd.Flags().String("id", "", "Record id (generated when empty)")
	upsertCmd.Flags().String("content", "", "Record text")
	upsertCmd.Flags().String("vector", "", "Comma-separated embedding")
	upsertCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	_ = upsertCmd.MarkFlagRequired("vector")

	queryCmd.Flags().String("vector", "", "Comma-separated query embedding")
	queryCmd.Flags().Int("k", 5, "Number of results")
	queryCmd.Flags().String("filter", "", "Metadata equality filter as a JSON object")
	_ = queryCmd.MarkFlagRequired("vector")

	listCmd.Flags().Int("limit", memory.DefaultListLimit, "Maximum number of records")
	listCmd.Flags().String("filter", "", "Metadata equality filter as a JSON object")

	deleteCmd.Flags().String("id", "", "Record id")
}

func main() {
	rootCmd.AddCommand(provisionCmd, infoCmd, countCmd, testConnectionCmd, upsertCmd, queryCmd, listCmd, listCollectionsCmd, deleteCmd, modelsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

// withStore loads configuration, opens the store and runs fn against it.
func withStore(ctx context.Context, fn func(context.Context, config.Config, *memory.Adapter, memory.ProvisionResult) error) error {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	logger.SetOutput(os.Stderr)

	store, res, err := memory.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.WithError(cerr).Warn("closing vector store")
		}
	}()
	return fn(ctx, cfg, store, res)
}

func emit(v any, format string, args ...any) error {
	if outputJSON {
		return printJSON(v)
	}
	fmt.Printf(format, args...)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
