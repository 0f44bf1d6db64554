package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/rewrite"
)

var (
	restrictQuery            string
	restrictPartitionKey     string
	restrictAnchorAlias      string
	restrictMethod           string
	restrictTempTableName    string
	restrictIndexTempTable   bool
	restrictAnalyzeTempTable bool
)

// restrictCmd is the C2->C3/C4->C5 read path spec §4.5 names: decompose
// the query, look up (or lazily express) the cached partition-identifier
// set, and splice the restriction back into the original SQL.
var restrictCmd = &cobra.Command{
	Use:   "restrict",
	Short: "rewrite a query to restrict it to cached partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if restrictQuery == "" {
			return fmt.Errorf("restrict: --query is required")
		}
		if restrictAnchorAlias == "" {
			return &pcerrors.ConfigError{Op: "restrict", Option: "--anchor-alias", Err: fmt.Errorf("required")}
		}
		method, err := parseRewriteMethod(restrictMethod)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		variants, err := decomposeQuery(restrictQuery, restrictPartitionKey, false)
		if err != nil {
			return err
		}
		store, err := openCacheStore(ctx, cfg.Cache)
		if err != nil {
			return err
		}
		defer store.Close()

		hashes := make([]string, len(variants))
		for i, v := range variants {
			hashes[i] = v.Hash.String()
		}

		anchor := rewrite.Anchor{Alias: restrictAnchorAlias, PartitionKey: restrictPartitionKey}
		opts := rewrite.Options{
			Method:           method,
			TempTableName:    restrictTempTableName,
			IndexTempTable:   restrictIndexTempTable,
			AnalyzeTempTable: restrictAnalyzeTempTable,
		}

		var (
			ids          *cachestore.IDSet
			lazySubquery string
			hits         int
		)
		if method == rewrite.MethodInlineSubquery {
			lazy, ok := store.(cachestore.LazyIntersector)
			if !ok {
				return &pcerrors.ConfigError{Op: "restrict", Option: "--method",
					Err: fmt.Errorf("cache backend %q does not support lazy intersection", cfg.Cache.Backend)}
			}
			sub, ok, n, err := lazy.IntersectLazy(ctx, restrictPartitionKey, hashes)
			if err != nil {
				return err
			}
			hits = n
			if ok {
				lazySubquery = sub
			}
		} else {
			result, err := store.Intersect(ctx, restrictPartitionKey, hashes)
			if err != nil {
				return err
			}
			ids = &result.IDs
			hits = result.Hits
		}

		result, err := rewrite.Rewrite(restrictQuery, anchor, ids, lazySubquery, hits, opts)
		if err != nil {
			return err
		}
		for _, stmt := range result.Statements {
			cmd.Println(stmt + ";")
		}
		cmd.Println(result.SQL)
		if !result.Enhanced {
			cmd.Println("-- not enhanced: no cached fragment matched this query")
		}
		return nil
	},
}

func parseRewriteMethod(s string) (rewrite.Method, error) {
	switch s {
	case "", "inline-in":
		return rewrite.MethodInlineIN, nil
	case "inline-subquery":
		return rewrite.MethodInlineSubquery, nil
	case "temp-table-in":
		return rewrite.MethodTempTableIN, nil
	case "temp-table-join":
		return rewrite.MethodTempTableJoin, nil
	default:
		return 0, &pcerrors.ConfigError{Op: "restrict", Option: "--method",
			Err: fmt.Errorf("unknown method %q (want inline-in|inline-subquery|temp-table-in|temp-table-join)", s)}
	}
}

func init() {
	restrictCmd.Flags().StringVar(&restrictQuery, "query", "", "SQL query text")
	restrictCmd.Flags().StringVar(&restrictPartitionKey, "partition-key", "", "partition key")
	restrictCmd.Flags().StringVar(&restrictAnchorAlias, "anchor-alias", "", "table alias in --query exposing the partition key")
	restrictCmd.Flags().StringVar(&restrictMethod, "method", "inline-in", "inline-in|inline-subquery|temp-table-in|temp-table-join")
	restrictCmd.Flags().StringVar(&restrictTempTableName, "temp-table-name", "", "temp table name for temp-table-* methods")
	restrictCmd.Flags().BoolVar(&restrictIndexTempTable, "index-temp-table", false, "add an index to the temp table")
	restrictCmd.Flags().BoolVar(&restrictAnalyzeTempTable, "analyze-temp-table", false, "ANALYZE the temp table after load")
	rootCmd.AddCommand(restrictCmd)
}
