package app

import (
	"errors"

	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

func isInsufficientCredits(err error) bool {
	var e *credit.InsufficientError
	return errors.As(err, &e)
}

func isInsufficientQuota(err error) bool {
	var e *quota.InsufficientError
	return errors.As(err, &e)
}

func isConflict(err error) bool {
	return errors.Is(err, ports.ErrTxConflict)
}
