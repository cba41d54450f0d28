package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// ValidateStruct runs struct-tag validation and rewrites the first failure
// into an operator-readable message.
func ValidateStruct(input interface{}) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fe := validationErrors[0]
		return fmt.Errorf("field %s failed validation (%s)", fe.Field(), fe.Tag())
	}
	return err
}

func ErrorDuplicateValue(field string) error {
	return fmt.Errorf("duplicate %s", field)
}

func UniqueSlice[T comparable](in []T) []T {
	seen := make(map[T]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// StockLock serializes all ledger-mutating flows for one company across
// processes. Row locks still protect individual lots; this coarse lock keeps
// FirstOrCreate upserts on balance rows from deadlocking each other.
func StockLock(ctx context.Context, companyId string, lockType string, moduleName string, functionName string) error {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when the Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", companyId, errors.New("redis lock is nil"))
		return errors.New("service not ready (redis lock not initialized)")
	}
	// Try to obtain a lock for the company. Concurrent writers wait their
	// turn instead of failing outright; the lock is released as soon as it
	// is obtained, so the wait stays short.
	lockKey := fmt.Sprintf("%s:%s", lockType, companyId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 100),
	})
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for company", companyId, err)
		return errors.New("could not obtain lock for company")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for company", companyId, err)
		return err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	return nil
}

// ConvertToDate truncates a timestamp to the calendar date in the company's
// timezone, returned as UTC midnight.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC), nil
}
