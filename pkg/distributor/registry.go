package distributor

import "sync/atomic"

// Registry indexes one distributor per receiver. It is filled completely
// before any receiver starts and never changes afterwards. Slots are
// atomic so metrics collection may read them while startup is under way.
type Registry struct {
	distributors []atomic.Pointer[Distributor]
}

// NewRegistry makes room for n distributors
func NewRegistry(n int) *Registry {
	return &Registry{distributors: make([]atomic.Pointer[Distributor], n)}
}

// Set installs the distributor for receiver i
func (r *Registry) Set(i int, d *Distributor) {
	r.distributors[i].Store(d)
}

// Get returns the distributor for receiver i, or nil if not set
func (r *Registry) Get(i int) *Distributor {
	if r == nil || i < 0 || i >= len(r.distributors) {
		return nil
	}
	return r.distributors[i].Load()
}

// Len returns the number of slots
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.distributors)
}

// TotalDepth sums the backlog of every installed distributor
func (r *Registry) TotalDepth() int {
	if r == nil {
		return 0
	}
	total := 0
	for i := range r.distributors {
		if d := r.distributors[i].Load(); d != nil {
			total += d.Depth()
		}
	}
	return total
}

// Err returns the first fatal fault among the distributors
func (r *Registry) Err() error {
	if r == nil {
		return nil
	}
	for i := range r.distributors {
		d := r.distributors[i].Load()
		if d == nil {
			continue
		}
		if err := d.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every installed distributor
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for i := range r.distributors {
		if d := r.distributors[i].Load(); d != nil {
			d.Close()
		}
	}
}
