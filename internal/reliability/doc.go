// Package reliability provides the fixed-delay retry policy used for broker
// connection and subscription attempts.
//
// Example usage:
//
//	policy := reliability.Forever(5*time.Second, rabbitmq.IsRetryable)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return subscribe(ctx)
//	})
package reliability
