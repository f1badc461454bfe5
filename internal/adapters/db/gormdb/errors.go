package gormdb

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

// notFound maps a missing row onto the domain error class and passes anything
// else through untouched.
func notFound(err error, kind string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NotFound(kind, fmt.Sprint(id))
	}
	return err
}

// isUniqueViolation covers both the translated gorm error and the raw driver
// messages, since the pure-Go sqlite driver is not translated.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func isCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "check constraint")
}
