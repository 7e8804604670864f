// Package httputil holds the JSON request/response helpers and the common
// middleware chain shared by the guardpost HTTP handlers.
//
// Service errors are mapped onto status codes through the errs taxonomy:
//
//	if err != nil {
//		httputil.WriteServiceError(w, r, err)
//		return
//	}
package httputil
