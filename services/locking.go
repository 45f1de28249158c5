package services

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate takes an exclusive row lock where the dialect supports one.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// forShare takes a lock that conflicts with forUpdate but not with itself,
// so concurrent votes on one step proceed while a resolution waits for them.
// Holders must not write the locked row; CastVote retries with forUpdate
// when it has to.
func forShare(tx *gorm.DB) *gorm.DB {
	switch tx.Dialector.Name() {
	case "postgres":
		return tx.Clauses(clause.Locking{Strength: "KEY SHARE"})
	case "mysql":
		return tx.Clauses(clause.Locking{Strength: "SHARE"})
	default:
		return tx
	}
}
