package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
)

var (
	readQuery        string
	readPartitionKey string
	readFormat       string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "report the cached partition-identifier set a query would restrict to",
	RunE: func(cmd *cobra.Command, args []string) error {
		if readQuery == "" {
			return fmt.Errorf("read: --query is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		variants, err := decomposeQuery(readQuery, readPartitionKey, false)
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
		result, err := store.Intersect(ctx, readPartitionKey, hashes)
		if err != nil {
			return err
		}

		return printIDs(cmd, result.IDs, readFormat)
	},
}

func printIDs(cmd *cobra.Command, ids cachestore.IDSet, format string) error {
	values := idsToStrings(ids)
	switch format {
	case "json":
		b, err := json.Marshal(values)
		if err != nil {
			return err
		}
		cmd.Println(string(b))
	case "one-per-line", "":
		for _, v := range values {
			cmd.Println(v)
		}
	case "list":
		cmd.Println(values)
	default:
		return fmt.Errorf("read: unknown --format %q (want list|json|one-per-line)", format)
	}
	return nil
}

func idsToStrings(ids cachestore.IDSet) []string {
	switch ids.Datatype {
	case cachestore.Integer:
		out := make([]string, len(ids.Ints))
		for i, v := range ids.Ints {
			out[i] = strconv.FormatInt(v, 10)
		}
		return out
	case cachestore.Float:
		out := make([]string, len(ids.Floats))
		for i, v := range ids.Floats {
			out[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return out
	case cachestore.Timestamp:
		out := make([]string, len(ids.Times))
		for i, v := range ids.Times {
			out[i] = v.Format(time.RFC3339Nano)
		}
		return out
	default:
		return ids.Texts
	}
}

func init() {
	readCmd.Flags().StringVar(&readQuery, "query", "", "SQL query text")
	readCmd.Flags().StringVar(&readPartitionKey, "partition-key", "", "partition key")
	readCmd.Flags().StringVar(&readFormat, "format", "one-per-line", "list|json|one-per-line")
	rootCmd.AddCommand(readCmd)
}
