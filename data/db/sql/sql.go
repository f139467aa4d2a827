// Package sql 在 IExecutor 之上构建 SELECT/INSERT/UPDATE 语句
//
// 构建器只负责拼接语句与参数，占位符统一写成 ?，由执行器按方言改写。
// 同一个构建器既可以在 IDatabase 上执行，也可以在 ITransaction 内执行。
package sql

import (
	"context"
	"database/sql"

	core "ordersaga/data/db"
)

// ISelectBuilder 构建 SELECT 语句
type ISelectBuilder interface {
	From(table string) ISelectBuilder
	Where(cond string, args ...any) ISelectBuilder
	OrderBy(expr string) ISelectBuilder
	Limit(n int) ISelectBuilder
	Build() (query string, args []any)
	Query(ctx context.Context) (core.IRows, error)
	QueryRow(ctx context.Context) core.IRow
}

// IInsertBuilder 构建 INSERT 语句
type IInsertBuilder interface {
	Columns(cols ...string) IInsertBuilder
	Values(vals ...any) IInsertBuilder
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IUpdateBuilder 构建 UPDATE 语句
type IUpdateBuilder interface {
	Set(column string, val any) IUpdateBuilder
	// SetExpr 追加原始 SET 片段，例如 "stock = stock - ?"
	SetExpr(expr string, args ...any) IUpdateBuilder
	Where(cond string, args ...any) IUpdateBuilder
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// Builder 绑定到某个执行器的语句工厂
type Builder struct {
	exec core.IExecutor
}

// New 创建构建器，exec 可以是连接也可以是事务
func New(exec core.IExecutor) *Builder {
	return &Builder{exec: exec}
}

func (s *Builder) Select(columns ...string) ISelectBuilder {
	if len(columns) == 0 {
		columns = []string{"*"}
	}
	return &selectBuilder{exec: s.exec, cols: columns}
}

func (s *Builder) InsertInto(table string) IInsertBuilder {
	return &insertBuilder{exec: s.exec, table: table}
}

func (s *Builder) Update(table string) IUpdateBuilder {
	return &updateBuilder{exec: s.exec, table: table}
}
