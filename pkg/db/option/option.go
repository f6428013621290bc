// Package option provides composable query options for the generic repository.
package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type operatorOption struct {
	cond Condition
}

func ApplyOperator(cond Condition) QueryOption {
	return operatorOption{cond: cond}
}

func (o operatorOption) Apply(db *gorm.DB) *gorm.DB {
	return db.Where(fmt.Sprintf("%s %s ?", o.cond.Field, o.cond.Operator), o.cond.Value)
}

type QuerySortBy struct {
	Allow   map[string]bool
	Field   string
	Desc    bool
	Default string
}

type sortOption struct {
	sort QuerySortBy
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return sortOption{sort: sort}
}

func (o sortOption) Apply(db *gorm.DB) *gorm.DB {
	field := strings.TrimSpace(o.sort.Field)
	if field == "" || !o.sort.Allow[field] {
		field = o.sort.Default
	}
	if field == "" {
		return db
	}
	direction := "ASC"
	if o.sort.Desc {
		direction = "DESC"
	}
	return db.Order(fmt.Sprintf("%s %s", field, direction))
}

type limitOption struct {
	limit int
}

func WithLimit(limit int) QueryOption {
	return limitOption{limit: limit}
}

func (o limitOption) Apply(db *gorm.DB) *gorm.DB {
	if o.limit <= 0 {
		return db
	}
	return db.Limit(o.limit)
}
