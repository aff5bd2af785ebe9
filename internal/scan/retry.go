package scan

import (
	"context"
	"errors"

	"github.com/avast/retry-go/v4"

	"ecuprobe/internal/transport"
)

// withProbeRetry re-sends a probe that timed out, up to retries extra
// attempts, before the timeout is recorded as an outcome. Every other
// result, including negative responses, passes through on the first
// attempt.
func withProbeRetry(ctx context.Context, retries int, probe func() error) error {
	if retries < 0 {
		retries = 0
	}
	return retry.Do(
		func() error {
			err := probe()
			if err != nil && !errors.Is(err, transport.ErrTimeout) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(retries)+1),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
