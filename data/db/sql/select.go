package sql

import (
	"context"
	"strings"

	core "ordersaga/data/db"
)

type selectBuilder struct {
	exec  core.IExecutor
	cols  []string
	table string
	where conditions
	order string
	limit int
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	b.where.add(cond, args)
	return b
}

func (b *selectBuilder) OrderBy(expr string) ISelectBuilder {
	b.order = expr
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

// Build 每次生成新的参数切片，可重复调用
func (b *selectBuilder) Build() (string, []any) {
	mustIdent("table", b.table)

	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(b.cols, ", ") + " FROM " + b.table)
	args := b.where.writeTo(&sb, make([]any, 0, len(b.where.args)+1))
	if b.order != "" {
		sb.WriteString(" ORDER BY " + b.order)
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.exec.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.exec.QueryRow(ctx, q, args...)
}
