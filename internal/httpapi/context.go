package httpapi

import "context"

// serverBaseCtx is canceled on process shutdown. Handlers derive their work
// context from both it and the request.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts derives from req and is additionally canceled when base is
// done. Request-scoped values such as the request id stay visible.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// workContext joins the base context with r's and applies requestTimeout.
func workContext(req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, req)
	if requestTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, requestTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// abandoned reports whether the client or the server gave up on req.
func abandoned(req context.Context) bool {
	return req.Err() != nil || serverBaseCtx.Err() != nil
}
