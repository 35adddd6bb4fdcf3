package migrations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	chstore "token-velocity/internal/storage/clickhouse"
)

// RunClickhouseMigrations creates the archive database named in dsn if
// needed, applies every embedded ClickHouse migration and returns a
// connection to that database. The files use IF NOT EXISTS throughout, so
// reapplying them on every start is safe.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, error) {
	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}

	pending, err := load("clickhouse")
	if err != nil {
		return nil, err
	}

	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse admin: %w", err)
	}
	createErr := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+quoteIdent(dbName))
	if err := errors.Join(createErr, admin.Close()); err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}

	for _, m := range pending {
		stmts, err := splitStatements(m.SQL)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("parse migration %s: %w", m.Version, err)
		}
		// The native protocol takes one statement per Exec.
		for _, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("apply migration %s: %w", m.Version, err)
			}
		}
	}

	return conn, nil
}

// splitStatements splits a script on top-level semicolons. Semicolons
// inside quoted strings, backquoted identifiers and comments do not split.
// Comment-only fragments are dropped.
func splitStatements(script string) ([]string, error) {
	var (
		stmts   []string
		current strings.Builder
		hasCode bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" && hasCode {
			stmts = append(stmts, s)
		}
		current.Reset()
		hasCode = false
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				i = len(script)
			} else {
				i += end
				current.WriteByte('\n')
			}
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				return nil, errors.New("unterminated block comment")
			}
			i += end + 3
			current.WriteByte(' ')
		case c == '\'' || c == '`' || c == '"':
			end, err := closingQuote(script, i)
			if err != nil {
				return nil, err
			}
			current.WriteString(script[i : end+1])
			hasCode = true
			i = end
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				hasCode = true
			}
		}
	}
	flush()
	return stmts, nil
}

// closingQuote returns the index of the quote closing the one at start.
// Doubled quotes and backslash escapes stay inside the literal.
func closingQuote(s string, start int) (int, error) {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case q:
			if i+1 < len(s) && s[i+1] == q {
				i++
				continue
			}
			return i, nil
		}
	}
	return 0, fmt.Errorf("unterminated %c literal at offset %d", q, start)
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", errors.New("clickhouse dsn missing database")
	}
	return db, nil
}
