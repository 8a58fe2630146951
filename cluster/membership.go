package cluster

// Membership is the gossip/failure-detection collaborator: it reports
// which endpoints are currently reachable and which one is the cluster
// seed for DDL serialization.
type Membership interface {
	// LiveMembers returns the set of endpoints currently considered
	// alive, including this node.
	LiveMembers() []Endpoint
	// FirstLiveSeedEndpoint returns the first configured seed that is
	// currently live, if any.
	FirstLiveSeedEndpoint() (Endpoint, bool)
	// IsAlive reports whether ep is currently reachable.
	IsAlive(ep Endpoint) bool
	// BroadcastAddress returns this node's own endpoint.
	BroadcastAddress() Endpoint
}

// Snitch maps an endpoint to its datacenter, used to bucket insert
// fan-out into local-DC and remote-DC traffic.
type Snitch interface {
	Datacenter(ep Endpoint) string
}

// Replication resolves the endpoints that currently or will soon own a
// token.
type Replication interface {
	// NaturalEndpoints returns the replicas a token maps to under the
	// current topology.
	NaturalEndpoints(schema SchemaRef, token Token) []Endpoint
}

// TokenMetadata resolves endpoints mid-topology-change.
type TokenMetadata interface {
	// PendingEndpointsFor returns replicas that will own token once an
	// in-progress topology change completes.
	PendingEndpointsFor(token Token, schemaFullName string) []Endpoint
}
