// Package async provides the background execution helpers used outside the
// request path.
//
// SafeGo runs a single task detached from the caller's cancellation, with
// panic recovery and a timeout. Sign-in uses it to prime the tenant's role
// permission cache without holding the response:
//
//	async.SafeGo(r.Context(), 5*time.Second, "role cache priming", func(ctx context.Context) error {
//		return cache.Prime(ctx, tenantID)
//	})
//
// Batch fans a slice out over a bounded number of workers and collects the
// errors. Startup cache warming uses it:
//
//	errs := async.Batch(ctx, tenantIDs, 4, "role cache warm", 10*time.Second, cache.Prime)
//
// Failures and panics are logged through the logger carried by the context
// (see observability.FromContext) and never crash the process.
package async
