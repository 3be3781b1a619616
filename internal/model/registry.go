package model

// MethodKey joins a service and method name into the flat
// "{service}/{method}" registry key space.
func MethodKey(service, method string) string {
	return service + "/" + method
}

// MethodMeta is the metadata half of a MethodEntry: the handler reference
// itself lives in the registry, not here, so this type stays serializable
// for gossip service summaries.
type MethodMeta struct {
	Public      bool
	Description string
}
