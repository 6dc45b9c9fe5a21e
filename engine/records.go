package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/itchyny/gojq"
	"github.com/spf13/afero"
)

const maxRecordLine = 64 * 1024 * 1024

// readRecords decodes JSON Lines from r and calls fn for every record.
func readRecords(ctx context.Context, r io.Reader, fn func(Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := DecodeRecord(scanner.Bytes())
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// cmdEmit writes one record built from key=value arguments. Values that
// parse as JSON keep their type, everything else is a string.
func (s *Shell) cmdEmit(ctx context.Context, args []string) error {
	_, stdout, _ := s.stdio(ctx)
	rec := make(Record, len(args)-1)
	for _, field := range args[1:] {
		key, raw, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			s.report(EventError, fmt.Sprintf("emit: malformed field %q, expected key=value", field), "emit")
			return nil
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		rec[key] = value
	}
	return EncodeRecord(stdout, rec)
}

// cmdWhere passes through the input records for which the jq predicate is
// truthy. The record is available both as `.` and as `$_`.
func (s *Shell) cmdWhere(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("where: missing predicate")
	}
	query, err := gojq.Parse(args[1])
	if err != nil {
		return fmt.Errorf("where: parse error: %w", err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$_"}))
	if err != nil {
		return fmt.Errorf("where: compile error: %w", err)
	}

	stdin, stdout, _ := s.stdio(ctx)
	return readRecords(ctx, stdin, func(rec Record) error {
		pass, err := evalPredicate(ctx, code, rec)
		if err != nil {
			s.report(EventError, fmt.Sprintf("where: %v", err), "where")
			return nil
		}
		if !pass {
			return nil
		}
		return EncodeRecord(stdout, rec)
	})
}

func evalPredicate(ctx context.Context, code *gojq.Code, rec Record) (bool, error) {
	input := map[string]any(rec)
	iter := code.RunWithContext(ctx, input, input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	if b, isBool := v.(bool); isBool {
		return b, nil
	}
	return true, nil
}

// cmdSelectFields projects every input record onto the named fields.
// Fields may be separated by spaces or commas; missing fields are null.
func (s *Shell) cmdSelectFields(ctx context.Context, args []string) error {
	var fields []string
	for _, arg := range args[1:] {
		for _, f := range strings.Split(arg, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	if len(fields) == 0 {
		return fmt.Errorf("select-fields: no fields given")
	}

	stdin, stdout, _ := s.stdio(ctx)
	return readRecords(ctx, stdin, func(rec Record) error {
		out := make(Record, len(fields))
		for _, f := range fields {
			out[f] = rec[f]
		}
		return EncodeRecord(stdout, out)
	})
}

// cmdListItems emits one record per directory entry.
//
//	list-items [-r|--recurse] [--include GLOB] [path]
func (s *Shell) cmdListItems(ctx context.Context, args []string) error {
	recurse := false
	include := ""
	dir := "."
	for i := 1; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-r", "--recurse":
			recurse = true
		case "--include":
			if i+1 >= len(args) {
				return fmt.Errorf("list-items: --include requires a pattern")
			}
			i++
			include = args[i]
		default:
			dir = arg
		}
	}
	if include != "" && !doublestar.ValidatePattern(include) {
		return fmt.Errorf("list-items: invalid pattern %q", include)
	}

	root := s.resolvePath(dir)
	_, stdout, stderr := s.stdio(ctx)

	emitItem := func(p string, info os.FileInfo) error {
		if include != "" {
			if ok, _ := doublestar.Match(include, info.Name()); !ok {
				return nil
			}
		}
		return EncodeRecord(stdout, itemRecord(p, info))
	}

	if !recurse {
		entries, err := afero.ReadDir(s.fs, root)
		if err != nil {
			fmt.Fprintf(stderr, "list-items: %s: %v\n", dir, err)
			return nil
		}
		for _, info := range entries {
			if err := emitItem(path.Join(root, info.Name()), info); err != nil {
				return err
			}
		}
		return nil
	}

	return afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			fmt.Fprintf(stderr, "list-items: %s: %v\n", p, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == root {
			return nil
		}
		return emitItem(p, info)
	})
}

func itemRecord(p string, info os.FileInfo) Record {
	return Record{
		"Name":    info.Name(),
		"Path":    p,
		"Size":    info.Size(),
		"IsDir":   info.IsDir(),
		"Mode":    info.Mode().String(),
		"ModTime": info.ModTime().UTC().Format(time.RFC3339),
	}
}
