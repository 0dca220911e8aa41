package gateway

import "context"

type clientIDKey struct{}

// rpcActor is recorded on confirmations decided over plain HTTP RPC.
const rpcActor = "rpc"

func withClientID(ctx context.Context, clientID string) context.Context {
	if clientID == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// clientIDFromContext returns the websocket client that issued the request,
// or "" for HTTP RPC.
func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

// actorFromContext names who decided a confirmation for the ledger.
func actorFromContext(ctx context.Context) string {
	if id := clientIDFromContext(ctx); id != "" {
		return "client:" + id
	}
	return rpcActor
}
