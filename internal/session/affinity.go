// Package session binds logical conversations to the account serving them.
package session

import "sync"

// Affinity maps session ids to account ids. The first bind for a session
// wins; later binds observe the existing account.
type Affinity struct {
	bindings sync.Map // session id -> account id
}

// NewAffinity creates an empty binding table.
func NewAffinity() *Affinity {
	return &Affinity{}
}

// Bind records accountID for sessionID unless the session is already bound.
// It returns the account the session is bound to after the call and whether
// this call created the binding.
func (a *Affinity) Bind(sessionID, accountID string) (string, bool) {
	if sessionID == "" || accountID == "" {
		return "", false
	}
	actual, loaded := a.bindings.LoadOrStore(sessionID, accountID)
	return actual.(string), !loaded
}

// Resolve returns the account bound to sessionID.
func (a *Affinity) Resolve(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	v, ok := a.bindings.Load(sessionID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Unbind drops the binding for sessionID.
func (a *Affinity) Unbind(sessionID string) {
	a.bindings.Delete(sessionID)
}

// UnbindIf drops the binding only while it still points at accountID, so a
// stale caller cannot remove a binding made after it resolved.
func (a *Affinity) UnbindIf(sessionID, accountID string) bool {
	return a.bindings.CompareAndDelete(sessionID, accountID)
}

// UnbindAccount drops every session bound to accountID.
func (a *Affinity) UnbindAccount(accountID string) int {
	n := 0
	a.bindings.Range(func(k, v any) bool {
		if v.(string) == accountID && a.bindings.CompareAndDelete(k, v) {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of bound sessions.
func (a *Affinity) Len() int {
	n := 0
	a.bindings.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
