// Package catalog maps relation oids to the latest relation definition
// learned from Relation messages, and resolves type oids to value
// decoders. It is the schema cache component of the replication client.
package catalog

import (
	"sync"

	"github.com/jfoltran/pgcdc/internal/pgerrors"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

// Column describes one column of a relation as announced by the server.
type Column struct {
	Name            string
	TypeOID         uint32
	TypeModifier    int32
	ReplicaIdentity bool
}

// ReplicaIdentityKind mirrors the server's relreplident values.
type ReplicaIdentityKind byte

const (
	ReplicaIdentityDefault ReplicaIdentityKind = 'd'
	ReplicaIdentityNothing ReplicaIdentityKind = 'n'
	ReplicaIdentityFull    ReplicaIdentityKind = 'f'
	ReplicaIdentityIndex   ReplicaIdentityKind = 'i'
)

// Relation is a server-assigned oid plus schema/table name, replica
// identity kind, and ordered column list.
type Relation struct {
	OID             uint32
	Namespace       string
	Name            string
	ReplicaIdentity ReplicaIdentityKind
	Columns         []Column
}

// QualifiedName returns "namespace.name".
func (r *Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// Cache holds the set of relations announced so far in a replication
// session, keyed by oid. Safe for concurrent use: a Relation message
// arriving on the ingestion goroutine and a lookup performed while
// decoding a concurrently-buffered tuple never race.
type Cache struct {
	mu        sync.RWMutex
	relations map[uint32]*Relation

	decoder *valuedecode.Decoder
}

// New creates an empty Cache using decoder for column value resolution.
func New(decoder *valuedecode.Decoder) *Cache {
	return &Cache{
		relations: make(map[uint32]*Relation),
		decoder:   decoder,
	}
}

// Put replaces (or inserts) the definition for rel.OID. The replacement
// is atomic from the consumer's viewpoint: tuples already decoded
// against the prior definition remain valid, since callers decode a
// tuple's values against the *Relation that Get returned, and Put never
// mutates a stored Relation.
func (c *Cache) Put(rel *Relation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations[rel.OID] = rel
}

// Get returns the latest definition for oid, or UnknownRelation if the
// oid has not been announced.
func (c *Cache) Get(oid uint32) (*Relation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[oid]
	if !ok {
		return nil, &pgerrors.SchemaError{Kind: pgerrors.UnknownRelation, OID: oid}
	}
	return rel, nil
}

// Decoder returns the value decoder shared by all relations in this
// cache.
func (c *Cache) Decoder() *valuedecode.Decoder {
	return c.decoder
}
