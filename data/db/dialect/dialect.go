package dialect

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"

	core "ordersaga/data/db"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// pgUniqueViolation Postgres SQLSTATE unique_violation
const pgUniqueViolation = "23505"

// Dialect 表示当前数据库的方言能力：占位符改写与唯一键冲突识别
type Dialect struct {
	name Name
}

// New 根据 driver 名构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pq":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从实现了 IDialectNameProvider 的连接或事务推断方言
func FromDatabase(db any) Dialect {
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// Rebind 将通用占位符 ? 转换为方言特定形式
//
// 仅 Postgres 需要改写为 $1、$2...；SQL 字符串字面量中不要出现 ?。
func (d Dialect) Rebind(query string) string {
	if d.name != NamePostgres || !strings.Contains(query, "?") {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
//
// Postgres 优先按 lib/pq 的 SQLSTATE 判断，其余按驱动错误文本匹配。
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	case NamePostgres:
		return strings.Contains(msg, "duplicate key value")
	default:
		return strings.Contains(msg, "unique constraint") ||
			strings.Contains(msg, "duplicate key")
	}
}
