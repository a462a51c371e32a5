package schema

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type columnType int

const (
	typeVarchar columnType = iota + 1
	typeText
	typeInt
	typeBool
)

// Column is a column definition for AddColumns. Columns are nullable and
// carry no default until told otherwise.
type Column struct {
	name    string
	kind    columnType
	length  int
	notNull bool
}

func NewColumn(name string) *Column {
	return &Column{name: name, kind: typeText}
}

// Varchar makes the column a VARCHAR, unbounded unless a length is given.
func (c *Column) Varchar(length ...int) *Column {
	c.kind = typeVarchar
	if len(length) > 0 {
		c.length = length[0]
	}
	return c
}

func (c *Column) Text() *Column {
	c.kind = typeText
	return c
}

func (c *Column) Int() *Column {
	c.kind = typeInt
	return c
}

func (c *Column) Bool() *Column {
	c.kind = typeBool
	return c
}

func (c *Column) NotNull() *Column {
	c.notNull = true
	return c
}

func (c *Column) Name() string {
	return c.name
}

func (c *Column) Nullable() bool {
	return !c.notNull
}

func (c *Column) sqlType() string {
	switch c.kind {
	case typeVarchar:
		if c.length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.length)
		}
		return "VARCHAR"
	case typeInt:
		return "INTEGER"
	case typeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// definition renders `"name" TYPE [NOT NULL]` as used after ADD COLUMN.
func (c *Column) definition() string {
	var b strings.Builder
	b.WriteString(pgx.Identifier{c.name}.Sanitize())
	b.WriteString(" ")
	b.WriteString(c.sqlType())
	if c.notNull {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}
