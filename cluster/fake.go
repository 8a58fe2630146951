package cluster

import "sync"

// Fake is an in-memory Membership + Snitch + Replication + TokenMetadata
// implementation used by this module's own tests and by cmd/routerctl's
// embedded smoke-test engine. It is not meant for production use.
type Fake struct {
	mu sync.RWMutex

	self  Endpoint
	seeds []Endpoint
	live  map[Endpoint]bool
	dc    map[Endpoint]string

	// natural maps a token to its natural endpoints; tests populate
	// this directly rather than going through a real partitioner ring.
	natural map[Token][]Endpoint
	pending map[Token][]Endpoint
}

// NewFake builds a Fake membership view rooted at self.
func NewFake(self Endpoint) *Fake {
	return &Fake{
		self:    self,
		live:    map[Endpoint]bool{self: true},
		dc:      map[Endpoint]string{self: "dc1"},
		natural: map[Token][]Endpoint{},
		pending: map[Token][]Endpoint{},
	}
}

// AddMember marks ep live in datacenter dc.
func (f *Fake) AddMember(ep Endpoint, dc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[ep] = true
	f.dc[ep] = dc
}

// SetAlive toggles liveness for ep without removing its DC assignment.
func (f *Fake) SetAlive(ep Endpoint, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[ep] = alive
}

// SetSeeds fixes the seed list and their priority order.
func (f *Fake) SetSeeds(seeds ...Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds = seeds
}

// SetNatural fixes the natural endpoints for a token.
func (f *Fake) SetNatural(tok Token, eps ...Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.natural[tok] = eps
}

// SetPending fixes the pending endpoints for a token.
func (f *Fake) SetPending(tok Token, eps ...Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[tok] = eps
}

func (f *Fake) LiveMembers() []Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Endpoint, 0, len(f.live))
	for ep, alive := range f.live {
		if alive {
			out = append(out, ep)
		}
	}
	return out
}

func (f *Fake) FirstLiveSeedEndpoint() (Endpoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.seeds {
		if f.live[s] {
			return s, true
		}
	}
	return Endpoint{}, false
}

func (f *Fake) IsAlive(ep Endpoint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.live[ep]
}

func (f *Fake) BroadcastAddress() Endpoint { return f.self }

func (f *Fake) Datacenter(ep Endpoint) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dc[ep]
}

func (f *Fake) NaturalEndpoints(schema SchemaRef, token Token) []Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Endpoint(nil), f.natural[token]...)
}

func (f *Fake) PendingEndpointsFor(token Token, schemaFullName string) []Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Endpoint(nil), f.pending[token]...)
}
