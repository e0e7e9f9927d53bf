package internal

import (
	"context"
)

type ctx string

var ctxData ctx = "solesession_data"

// logging metadata for a single request
type data struct {
	userID string
	tabID  string
}

// RequestContext prepares a request context so it can carry identity metadata
// for access logging.
func RequestContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxData, &data{})
}

// SetRequestContextIdentity notes which user/tab this request was for. Need to
// have called RequestContext first.
func SetRequestContextIdentity(ctx context.Context, userID, tabID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
	da.tabID = tabID
}

// RequestContextIdentity returns the identity previously associated with this
// request context, or empty strings if there is none.
func RequestContextIdentity(ctx context.Context) (userID, tabID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	return da.userID, da.tabID
}
