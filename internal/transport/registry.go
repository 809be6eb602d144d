package transport

import "sync"

// registry is the mutex-guarded name→Channel mapping (C3). Every method is
// safe to call from either thread; the only Channel methods called while
// holding reg.mu are the Readable/Writable snapshot reads in
// anyReadable/anyWritable.
type registry struct {
	mu sync.Mutex
	m  map[string]Channel
}

func newRegistry() *registry {
	return &registry{m: make(map[string]Channel)}
}

// insert adds name→ch, returning false if name is already present.
func (r *registry) insert(name string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[name]; exists {
		return false
	}
	r.m[name] = ch
	return true
}

// remove deletes name, returning the removed Channel if present.
func (r *registry) remove(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.m[name]
	if ok {
		delete(r.m, name)
	}
	return ch, ok
}

func (r *registry) lookup(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.m[name]
	return ch, ok
}

func (r *registry) contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[name]
	return ok
}

// namedChannel pairs a name with its Channel for snapshot().
type namedChannel struct {
	name string
	ch   Channel
}

// snapshot returns a point-in-time copy of the registry contents.
func (r *registry) snapshot() []namedChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]namedChannel, 0, len(r.m))
	for name, ch := range r.m {
		out = append(out, namedChannel{name, ch})
	}
	return out
}

// drain empties the registry and returns every Channel it held.
func (r *registry) drain() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.m))
	for _, ch := range r.m {
		out = append(out, ch)
	}
	r.m = make(map[string]Channel)
	return out
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// anyReadable/anyWritable compute the C5 OR-rollup over the current channel
// set under a single lock acquisition (reading word-sized bool snapshots is
// acceptable per §4.4's rationale).
func (r *registry) anyReadable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.m {
		if ch.Readable() {
			return true
		}
	}
	return false
}

func (r *registry) anyWritable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.m {
		if ch.Writable() {
			return true
		}
	}
	return false
}
