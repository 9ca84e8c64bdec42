package cli

import (
	"context"
	"errors"

	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/crypto"
	"github.com/FairForge/bastion/internal/failover"
	"github.com/FairForge/bastion/internal/storage"
)

// Stable exit codes per failure kind, consumed by operator tooling.
const (
	ExitOK        = 0
	ExitStorage   = 10
	ExitIntegrity = 11
	ExitAuth      = 12
	ExitTimeout   = 13
	ExitInternal  = 99
)

// ExitCode maps an error onto its stable exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var integrity *crypto.IntegrityError
	var verification *backup.VerificationError
	var restoreFailed *backup.RestoreFailedError
	var hcTimeout *failover.HealthCheckTimeout

	switch {
	case errors.Is(err, storage.ErrUnauthorized):
		return ExitAuth
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &hcTimeout):
		return ExitTimeout
	case errors.As(err, &integrity), errors.As(err, &verification):
		return ExitIntegrity
	case errors.As(err, &restoreFailed):
		// A restore fails either on storage/integrity grounds; recurse
		// into the cause for the precise code.
		if code := ExitCode(restoreFailed.Err); code != ExitInternal {
			return code
		}
		return ExitStorage
	case storage.IsTransient(err), storage.IsPermanent(err):
		return ExitStorage
	default:
		return ExitInternal
	}
}
