package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	core "ordersaga/data/db"
)

type insertBuilder struct {
	exec    core.IExecutor
	table   string
	columns []string
	rows    [][]any
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

// Values 追加一行，多次调用生成多行 VALUES
func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) > 0 {
		b.rows = append(b.rows, vals)
	}
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	mustIdent("table", b.table)
	for _, col := range b.columns {
		mustIdent("column", col)
	}
	if len(b.columns) == 0 || len(b.rows) == 0 {
		panic("sql builder: INSERT INTO " + b.table + " needs columns and at least one row")
	}

	marks := make([]string, len(b.columns))
	for i := range marks {
		marks[i] = "?"
	}
	tuple := "(" + strings.Join(marks, ", ") + ")"

	tuples := make([]string, len(b.rows))
	args := make([]any, 0, len(b.rows)*len(b.columns))
	for i, row := range b.rows {
		if len(row) != len(b.columns) {
			panic(fmt.Sprintf("sql builder: row %d has %d values for %d columns", i, len(row), len(b.columns)))
		}
		tuples[i] = tuple
		args = append(args, row...)
	}

	q := "INSERT INTO " + b.table + " (" + strings.Join(b.columns, ", ") + ") VALUES " + strings.Join(tuples, ", ")
	return q, args
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.exec.Exec(ctx, q, args...)
}
