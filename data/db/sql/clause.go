package sql

import "strings"

// conditions 以 AND 连接的 WHERE 片段及其参数
type conditions struct {
	exprs []string
	args  []any
}

func (c *conditions) add(cond string, args []any) {
	if cond == "" {
		return
	}
	c.exprs = append(c.exprs, cond)
	c.args = append(c.args, args...)
}

// writeTo 追加 " WHERE ..." 并返回合并后的参数
func (c *conditions) writeTo(sb *strings.Builder, args []any) []any {
	if len(c.exprs) == 0 {
		return args
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(c.exprs, " AND "))
	return append(args, c.args...)
}

// mustIdent 表名或列名不合法时 panic，语句拼接只接受代码里写死的标识符
func mustIdent(kind, name string) {
	if !isSafeIdentifier(name) {
		panic("sql builder: unsafe " + kind + " " + name)
	}
}

// isSafeIdentifier 按点分段，每段以字母或下划线开头，其余为字母、数字或下划线
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			letter := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
			digit := ch >= '0' && ch <= '9'
			if !letter && (i == 0 || !digit) {
				return false
			}
		}
	}
	return true
}
