package list

// List is an intrusive doubly linked list. It is not safe for concurrent use.
type List[V any] struct {
	front, back *Elem[V]
	length      int
}

type Elem[V any] struct {
	prev, next *Elem[V]
	list       *List[V]

	Value V
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Back() *Elem[V] {
	return l.back
}

func (l *List[V]) Len() int {
	return l.length
}

func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem already belongs to a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front, l.back = e, e
		return e
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack marks e as the most recent element. O(1).
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}
	l.unlink(e)
	e.prev = l.back
	l.back.next = e
	l.back = e
}

// Remove detaches e from l and returns it.
func (l *List[V]) Remove(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	l.length--
	l.unlink(e)
	e.list = nil
	return e
}

func (l *List[V]) unlink(e *Elem[V]) {
	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}
	e.prev, e.next = nil, nil
}
