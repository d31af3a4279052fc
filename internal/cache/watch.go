package cache

// ChangeKind describes a change to an observed, ordered collection
type ChangeKind int

const (
	Inserted ChangeKind = iota
	Removed
	Updated
	Reset
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Removed:
		return "removed"
	case Updated:
		return "updated"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Change is delivered to Store watchers. Index is the display position the
// change applies to; it is -1 for Reset.
type Change struct {
	Kind    ChangeKind
	Index   int
	Message Message
}

// FolderChange is delivered to Registry watchers
type FolderChange struct {
	Kind  ChangeKind
	Index int
	Name  string
}

type watchers[T any] struct {
	next int
	fns  map[int]func(T)
}

func (w *watchers[T]) add(fn func(T)) int {
	if w.fns == nil {
		w.fns = make(map[int]func(T))
	}
	w.next++
	w.fns[w.next] = fn
	return w.next
}

func (w *watchers[T]) remove(id int) {
	delete(w.fns, id)
}

func (w *watchers[T]) emit(v T) {
	for _, fn := range w.fns {
		fn(v)
	}
}
