package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Write the data of a key to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if output != "" && output != "-" {
				return store.ToFile(cmd.Context(), args[0], output, cfg.Store.BufferSize)
			}

			rc, err := store.GetData(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newPutCmd() *cobra.Command {
	var meta string

	cmd := &cobra.Command{
		Use:   "put KEY [FILE]",
		Short: "Store data under a key, read from FILE or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var md metadata.Metadata
			if meta != "" {
				var err error
				if md, err = metadata.JSON().Unmarshal([]byte(meta)); err != nil {
					return err
				}
			}

			store, cfg, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			key := args[0]

			var src io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				if md == nil {
					return store.FromFile(ctx, key, args[1], cfg.Store.BufferSize)
				}
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}

			if md != nil {
				return store.Set(ctx, key, storage.Value{Data: src, Metadata: md}, cfg.Store.BufferSize)
			}
			return store.SetData(ctx, key, src, cfg.Store.BufferSize)
		},
	}

	cmd.Flags().StringVarP(&meta, "meta", "m", "", "Metadata to store with the data, as a JSON object")
	return cmd
}

func newRmCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rm KEY...",
		Short: "Delete keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			tx, err := store.Transaction(cmd.Context(), fmt.Sprintf("delete %d keys", len(args)))
			if err != nil {
				return err
			}
			return storage.RunTransaction(cmd.Context(), tx, func(ctx context.Context) error {
				for _, key := range args {
					err := store.Delete(ctx, key)
					if err != nil && !(force && errors.Is(err, storage.ErrNotFound)) {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore missing keys")
	return cmd
}

func newMetaCmd() *cobra.Command {
	var (
		set    string
		update string
		fields []string
	)

	cmd := &cobra.Command{
		Use:   "meta KEY",
		Short: "Show, replace or update the metadata of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if set != "" && update != "" {
				return errors.New("--set and --update are mutually exclusive")
			}

			store, _, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			key := args[0]

			switch {
			case set != "":
				md, err := metadata.JSON().Unmarshal([]byte(set))
				if err != nil {
					return err
				}
				return store.SetMetadata(ctx, key, md)
			case update != "":
				md, err := metadata.JSON().Unmarshal([]byte(update))
				if err != nil {
					return err
				}
				return store.UpdateMetadata(ctx, key, md)
			}

			var sel []string
			if cmd.Flags().Changed("select") {
				sel = fields
			}
			md, err := store.GetMetadata(ctx, key, sel)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), md)
		},
	}

	cmd.Flags().StringVar(&set, "set", "", "Replace the metadata with this JSON object")
	cmd.Flags().StringVar(&update, "update", "", "Merge this JSON object into the metadata")
	cmd.Flags().StringSliceVar(&fields, "select", nil, "Only show these fields")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		fields   []string
		keysOnly bool
	)

	cmd := &cobra.Command{
		Use:   "query [FIELD=VALUE...]",
		Short: "List keys whose metadata matches every FIELD=VALUE predicate",
		Long: `List keys whose metadata matches every FIELD=VALUE predicate. VALUE is
read as JSON when it parses, so size=3 matches the integer 3 and
size='"3"' the string "3". Without predicates every key is listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			predicates, err := parsePredicates(args)
			if err != nil {
				return err
			}

			store, _, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			if keysOnly {
				for key, err := range store.QueryKeys(cmd.Context(), predicates) {
					if err != nil {
						return err
					}
					fmt.Fprintln(out, key)
				}
				return nil
			}

			var sel []string
			if cmd.Flags().Changed("select") {
				sel = fields
			}
			enc := json.NewEncoder(out)
			for row, err := range store.Query(cmd.Context(), sel, predicates) {
				if err != nil {
					return err
				}
				if err := enc.Encode(map[string]any{"key": row.Key, "metadata": row.Metadata}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&fields, "select", nil, "Only show these metadata fields")
	cmd.Flags().BoolVarP(&keysOnly, "keys", "k", false, "Print matching keys only")
	return cmd
}

func parsePredicates(args []string) (metadata.Metadata, error) {
	predicates := metadata.Metadata{}
	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid predicate %q, expected FIELD=VALUE", arg)
		}
		v, err := metadata.ParseValue(raw)
		if err != nil {
			return nil, err
		}
		predicates[field] = v
	}
	return predicates, nil
}

func newGlobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "glob PATTERN",
		Short: "List keys matching a shell-style pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			for key, err := range store.Glob(cmd.Context(), args[0]) {
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			info, err := store.Info(cmd.Context())
			if err != nil {
				return err
			}
			info["read_only"] = storage.IsReadOnly(store.Backend)
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
