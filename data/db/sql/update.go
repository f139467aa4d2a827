package sql

import (
	"context"
	"database/sql"
	"strings"

	core "ordersaga/data/db"
)

type updateBuilder struct {
	exec    core.IExecutor
	table   string
	sets    []string
	setArgs []any
	where   conditions
}

// Set 列名在调用时即校验
func (b *updateBuilder) Set(col string, val any) IUpdateBuilder {
	mustIdent("column", col)
	return b.SetExpr(col+" = ?", val)
}

func (b *updateBuilder) SetExpr(expr string, args ...any) IUpdateBuilder {
	if expr != "" {
		b.sets = append(b.sets, expr)
		b.setArgs = append(b.setArgs, args...)
	}
	return b
}

func (b *updateBuilder) Where(cond string, args ...any) IUpdateBuilder {
	b.where.add(cond, args)
	return b
}

func (b *updateBuilder) Build() (string, []any) {
	mustIdent("table", b.table)
	if len(b.sets) == 0 {
		panic("sql builder: UPDATE " + b.table + " without SET")
	}

	var sb strings.Builder
	sb.WriteString("UPDATE " + b.table + " SET " + strings.Join(b.sets, ", "))
	args := make([]any, 0, len(b.setArgs)+len(b.where.args))
	args = append(args, b.setArgs...)
	return sb.String(), b.where.writeTo(&sb, args)
}

func (b *updateBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.exec.Exec(ctx, q, args...)
}
