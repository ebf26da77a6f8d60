package remediation

import "context"

// BackupResult identifies a backup taken before a destructive action.
type BackupResult struct {
	ResourceID   string
	CostEstimate float64
}

// Remediator performs provider-side calls for one request.
type Remediator interface {
	// CreateBackup snapshots the resource. It is only called for
	// backup-eligible actions.
	CreateBackup(ctx context.Context, req *Request) (BackupResult, error)
	// Execute carries out req.Action.
	Execute(ctx context.Context, req *Request) error
}

// RemediatorResolver builds a Remediator bound to the request's connection
// and region.
type RemediatorResolver interface {
	Remediator(ctx context.Context, req *Request) (Remediator, error)
}

// ResolverFunc adapts a function to RemediatorResolver.
type ResolverFunc func(ctx context.Context, req *Request) (Remediator, error)

func (f ResolverFunc) Remediator(ctx context.Context, req *Request) (Remediator, error) {
	return f(ctx, req)
}

// Breaker gates executions. Check admits or refuses and reserves savings
// against the tenant's daily cap; every admitted execution is settled with
// exactly one of RecordSuccess, RecordFailure or Release, passing the same
// savings so a failed or abandoned execution gives its reservation back.
type Breaker interface {
	Check(ctx context.Context, tenantID string, savings float64) error
	RecordSuccess(ctx context.Context, tenantID string, savings float64) error
	RecordFailure(ctx context.Context, tenantID string, savings float64) error
	Release(ctx context.Context, tenantID string, savings float64) error
}

type noBreaker struct{}

func (noBreaker) Check(context.Context, string, float64) error         { return nil }
func (noBreaker) RecordSuccess(context.Context, string, float64) error { return nil }
func (noBreaker) RecordFailure(context.Context, string, float64) error { return nil }
func (noBreaker) Release(context.Context, string, float64) error       { return nil }
