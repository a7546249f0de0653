package sqlstore

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

// record is one row read by a scan. raw is empty when only keys are read.
type record struct {
	key string
	raw []byte
}

// page fetches up to pageSize rows following the key after. Rows are
// fully read and the cursor closed before returning, so callers may issue
// other statements while consuming the page.
func (s *Store) page(ctx context.Context, op string, withMetadata bool, where string, after *string, args ...any) ([]record, error) {
	q, err := s.conn(ctx, op)
	if err != nil {
		return nil, err
	}

	columns := "key"
	if withMetadata {
		columns = "key, metadata"
	}
	var conds []string
	if where != "" {
		conds = append(conds, where)
	}
	if after != nil {
		conds = append(conds, "key > ?")
		args = append(args, *after)
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s"`, columns, s.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY key LIMIT ?"
	args = append(args, s.pageSize)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var rec record
		dest := []any{&rec.key}
		if withMetadata {
			dest = append(dest, &rec.raw)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// scan yields rows page by page in key order.
func (s *Store) scan(ctx context.Context, op string, withMetadata bool, where string, args ...any) iter.Seq2[record, error] {
	return func(yield func(record, error) bool) {
		var after *string
		for {
			recs, err := s.page(ctx, op, withMetadata, where, after, args...)
			if err != nil {
				yield(record{}, err)
				return
			}
			for _, rec := range recs {
				if !yield(rec, nil) {
					return
				}
			}
			if len(recs) < s.pageSize {
				return
			}
			last := recs[len(recs)-1].key
			after = &last
		}
	}
}

// Query yields the keys whose metadata equals every predicate. Metadata is
// decoded row by row; a row that fails to decode is yielded as an
// ErrCorruption error and ends the iteration.
func (s *Store) Query(ctx context.Context, selectFields []string, predicates metadata.Metadata) iter.Seq2[storage.Row, error] {
	return func(yield func(storage.Row, error) bool) {
		for rec, err := range s.scan(ctx, "query", true, "") {
			if err != nil {
				yield(storage.Row{}, err)
				return
			}
			md, err := s.decode(rec.key, rec.raw)
			if err != nil {
				yield(storage.Row{Key: rec.key}, err)
				return
			}
			if !md.Match(predicates) {
				continue
			}
			if !yield(storage.Row{Key: rec.key, Metadata: md.Select(selectFields)}, nil) {
				return
			}
		}
	}
}

// QueryKeys yields matching keys. Without predicates only the key column
// is read.
func (s *Store) QueryKeys(ctx context.Context, predicates metadata.Metadata) iter.Seq2[string, error] {
	if len(predicates) > 0 {
		return func(yield func(string, error) bool) {
			for row, err := range s.Query(ctx, []string{}, predicates) {
				if !yield(row.Key, err) || err != nil {
					return
				}
			}
		}
	}
	return s.keys(ctx, "query keys", "")
}

// Glob yields the keys matching a shell-style pattern using SQLite's GLOB
// operator.
func (s *Store) Glob(ctx context.Context, pattern string) iter.Seq2[string, error] {
	return s.keys(ctx, "glob", "key GLOB ?", sqliteGlob(pattern))
}

func (s *Store) keys(ctx context.Context, op, where string, args ...any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for rec, err := range s.scan(ctx, op, false, where, args...) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(rec.key, nil) {
				return
			}
		}
	}
}

// sqliteGlob rewrites shell negated sets "[!...]" into SQLite's "[^...]".
// Only a "!" opening a set is rewritten.
func sqliteGlob(pattern string) string {
	rs := []rune(pattern)
	var b strings.Builder
	inSet := false
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		b.WriteRune(r)
		switch {
		case !inSet && r == '[':
			inSet = true
			if i+1 < len(rs) && (rs[i+1] == '!' || rs[i+1] == '^') {
				b.WriteRune('^')
				i++
			}
			if i+1 < len(rs) && rs[i+1] == ']' {
				b.WriteRune(']')
				i++
			}
		case inSet && r == ']':
			inSet = false
		}
	}
	return b.String()
}
