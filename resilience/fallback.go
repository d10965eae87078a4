package resilience

import "github.com/IvanBrykalov/tieredcache/store"

// Fallback is a Strategy assembled from functions. Nil fields answer with
// the zero result (absent, false, nothing done).
type Fallback[K comparable, V any] struct {
	Get         func(k K, err *store.StoreAccessError) (V, bool)
	ContainsKey func(k K, err *store.StoreAccessError) bool
	Put         func(k K, v V, err *store.StoreAccessError)
	PutIfAbsent func(k K, v V, err *store.StoreAccessError) (V, bool)
	Remove      func(k K, err *store.StoreAccessError) bool
	Replace     func(k K, v V, err *store.StoreAccessError) (V, bool)
	Clear       func(err *store.StoreAccessError)
	GetAll      func(keys []K, err *store.StoreAccessError) map[K]V
	PutAll      func(entries map[K]V, err *store.StoreAccessError)
	RemoveAll   func(keys []K, err *store.StoreAccessError)
}

var _ Strategy[string, string] = Fallback[string, string]{}

func (f Fallback[K, V]) GetFailure(k K, err *store.StoreAccessError) (v V, ok bool) {
	if f.Get != nil {
		return f.Get(k, err)
	}
	return v, false
}

func (f Fallback[K, V]) ContainsKeyFailure(k K, err *store.StoreAccessError) bool {
	return f.ContainsKey != nil && f.ContainsKey(k, err)
}

func (f Fallback[K, V]) PutFailure(k K, v V, err *store.StoreAccessError) {
	if f.Put != nil {
		f.Put(k, v, err)
	}
}

func (f Fallback[K, V]) PutIfAbsentFailure(k K, v V, err *store.StoreAccessError) (existing V, ok bool) {
	if f.PutIfAbsent != nil {
		return f.PutIfAbsent(k, v, err)
	}
	return existing, false
}

func (f Fallback[K, V]) RemoveFailure(k K, err *store.StoreAccessError) bool {
	return f.Remove != nil && f.Remove(k, err)
}

func (f Fallback[K, V]) ReplaceFailure(k K, v V, err *store.StoreAccessError) (prev V, ok bool) {
	if f.Replace != nil {
		return f.Replace(k, v, err)
	}
	return prev, false
}

func (f Fallback[K, V]) ClearFailure(err *store.StoreAccessError) {
	if f.Clear != nil {
		f.Clear(err)
	}
}

func (f Fallback[K, V]) GetAllFailure(keys []K, err *store.StoreAccessError) map[K]V {
	if f.GetAll != nil {
		return f.GetAll(keys, err)
	}
	return nil
}

func (f Fallback[K, V]) PutAllFailure(entries map[K]V, err *store.StoreAccessError) {
	if f.PutAll != nil {
		f.PutAll(entries, err)
	}
}

func (f Fallback[K, V]) RemoveAllFailure(keys []K, err *store.StoreAccessError) {
	if f.RemoveAll != nil {
		f.RemoveAll(keys, err)
	}
}
