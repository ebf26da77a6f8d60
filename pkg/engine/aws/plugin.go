package aws

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// RetainUntilTag marks backups the remediator created; its value is the
// RFC3339 time after which the backup may be removed.
const RetainUntilTag = "reaper:retain-until"

func init() {
	scanner.Default.RegisterDetector(Detector{})
	for _, ctor := range Plugins() {
		scanner.Default.Register(resources.ProviderAWS, ctor)
	}
}

// Plugins lists the constructors of every AWS detection rule.
func Plugins() []scanner.Constructor {
	return []scanner.Constructor{
		func() scanner.Plugin { return &UnattachedVolumes{} },
		func() scanner.Plugin { return &OldSnapshots{} },
		func() scanner.Plugin { return &UnassociatedEIPs{} },
		func() scanner.Plugin { return &IdleInstances{} },
		func() scanner.Plugin { return &StoppedInstances{} },
		func() scanner.Plugin { return &IdleNATGateways{} },
		func() scanner.Plugin { return &IdleLoadBalancers{} },
		func() scanner.Plugin { return &IdleRDSInstances{} },
		func() scanner.Plugin { return &IdleRedshiftClusters{} },
		func() scanner.Plugin { return &EmptyBuckets{} },
		func() scanner.Plugin { return &StaleECRImages{} },
		func() scanner.Plugin { return &IdleSageMakerEndpoints{} },
	}
}

// paginate walks a token-paginated AWS list call. Every page goes through
// the limiter and throttle backoff.
func paginate[O any](ctx context.Context, in scanner.Input, fetch func(ctx context.Context, token *string) (O, *string, error), visit func(O)) error {
	var token *string
	for {
		var next *string
		page, err := ratelimit.Call(ctx, in.Config.Limiter, in.Config.Backoff, func(ctx context.Context) (O, error) {
			out, n, err := fetch(ctx, token)
			next = n
			return out, err
		})
		if err != nil {
			return err
		}
		visit(page)
		if aws.ToString(next) == "" {
			return nil
		}
		token = next
	}
}

// call runs a single AWS request under the limiter and backoff.
func call[O any](ctx context.Context, in scanner.Input, fn func(context.Context) (O, error)) (O, error) {
	return ratelimit.Call(ctx, in.Config.Limiter, in.Config.Backoff, fn)
}

// tagMap flattens any SDK tag slice.
func tagMap[T any](tags []T, kv func(T) (*string, *string)) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		k, v := kv(t)
		if k == nil {
			continue
		}
		out[*k] = aws.ToString(v)
	}
	return out
}

func hasAnyTag(tags map[string]string, keys []string) bool {
	for _, k := range keys {
		for tk := range tags {
			if strings.EqualFold(tk, k) {
				return true
			}
		}
	}
	return false
}

// retainedBackup reports whether tags mark a backup still inside its
// retention window.
func retainedBackup(tags map[string]string, now time.Time) bool {
	raw, ok := tags[RetainUntilTag]
	if !ok {
		return false
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return now.Before(until)
}

func timePtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func ageDays(now time.Time, t *time.Time) int {
	if t == nil {
		return 0
	}
	return int(now.Sub(*t).Hours() / 24)
}

// olderThan reports whether t is known and at least d in the past.
func olderThan(now time.Time, t *time.Time, d time.Duration) bool {
	return t != nil && now.Sub(*t) >= d
}
