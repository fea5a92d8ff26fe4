package module

// Allowed describes the execution contexts a module may run in.
//
// The zero value (and InContexts with no names) means "all contexts":
// a module name absent from the host's permission table is implicitly
// permitted everywhere.
type Allowed struct {
	contexts map[string]struct{}
}

// AllContexts permits a module in every execution context.
func AllContexts() Allowed { return Allowed{} }

// InContexts restricts a module to the named contexts.
// With no names it degrades to AllContexts.
func InContexts(names ...string) Allowed {
	if len(names) == 0 {
		return Allowed{}
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	if len(set) == 0 {
		return Allowed{}
	}
	return Allowed{contexts: set}
}

// Contains reports whether the module may run in the given context.
func (a Allowed) Contains(context string) bool {
	if len(a.contexts) == 0 {
		return true
	}
	_, ok := a.contexts[context]
	return ok
}

// All reports whether this is the "all contexts" wildcard.
func (a Allowed) All() bool { return len(a.contexts) == 0 }
