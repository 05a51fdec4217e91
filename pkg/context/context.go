package context

import "context"

type ContextKey string

var (
	RequestIDKey       = ContextKey("X-Request-Id")
	MethodKey          = ContextKey("X-Method")
	RouteKey           = ContextKey("X-Route")
	RemoteIPKey        = ContextKey("X-Remote-Ip")
	UserIDKey          = ContextKey("X-User-Id")
	IntegrationTypeKey = ContextKey("X-Integration-Type")
	ContractIDKey      = ContextKey("X-Contract-Id")
)

func set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return set(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return set(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return set(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return set(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return set(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return get(ctx, UserIDKey)
}

// SetIntegrationType tags the context with the integration being worked on so
// log lines emitted deep inside adapters can be correlated.
func SetIntegrationType(ctx context.Context, integrationType string) context.Context {
	return set(ctx, IntegrationTypeKey, integrationType)
}

func GetIntegrationType(ctx context.Context) string {
	return get(ctx, IntegrationTypeKey)
}

func SetContractID(ctx context.Context, contractID string) context.Context {
	return set(ctx, ContractIDKey, contractID)
}

func GetContractID(ctx context.Context) string {
	return get(ctx, ContractIDKey)
}

// LogFields returns the correlation values present on the context as logger fields.
func LogFields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for _, key := range []ContextKey{RequestIDKey, UserIDKey, IntegrationTypeKey, ContractIDKey} {
		if v := get(ctx, key); v != "" {
			fields[string(key)] = v
		}
	}
	return fields
}
