// Package httputil holds the JSON request/response helpers and HTTP
// middleware shared by the admin API.
//
// Handlers parse input and write errors in one step:
//
//	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
//	if !ok {
//		return
//	}
//
// Errors are always written as {"error": "..."}.
//
// The service wraps its router with:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.IdentityMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// IdentityMiddleware trusts X-User-ID and X-Company-ID from the gateway in
// front of the service; it does not authenticate.
package httputil
