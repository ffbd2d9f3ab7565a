package extent

import "container/heap"

// freeList is a min-heap of extent ids.
//
// It may hold stale ids: ids past the end of the file after a shrink, or
// duplicates of an id that was reused and freed again. Consumers re-check the
// slot state after popping.
type freeList []int

var _ heap.Interface = (*freeList)(nil)

func (f freeList) Len() int           { return len(f) }
func (f freeList) Less(i, j int) bool { return f[i] < f[j] }
func (f freeList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func (f *freeList) Push(x any) { *f = append(*f, x.(int)) }

func (f *freeList) Pop() any {
	old := *f
	n := len(old)
	id := old[n-1]
	*f = old[:n-1]

	return id
}

func (f *freeList) push(id int) { heap.Push(f, id) }

func (f *freeList) pop() int { return heap.Pop(f).(int) }

func (f freeList) peek() int { return f[0] }

// rebuild replaces the heap contents with ids.
func (f *freeList) rebuild(ids []int) {
	*f = append((*f)[:0], ids...)
	heap.Init(f)
}
