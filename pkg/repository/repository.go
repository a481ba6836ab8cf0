// Package repository provides a small generic gorm store for services that
// only need filter-and-fetch access to a table, such as subscription listing.
package repository

import (
	"context"

	"github.com/smallbiznis/plangate/pkg/db/option"
	"gorm.io/gorm"
)

type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}
