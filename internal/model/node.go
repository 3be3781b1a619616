// Package model defines the data types shared across the cluster: node
// metadata, method registry entries, and the certificate records kept in
// the secure store. See the package-level types in this file for the
// invariants each one carries.
package model

import "time"

// Role identifies whether a node runs the certificate authority and is
// preferred for cluster-wide services, or is a plain worker.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// Status is a node's liveness as seen by the local observer. It is always
// derived from (LastSeen, now), by the directory on upsert, on mark-seen
// and on sweep.
type Status string

const (
	StatusAlive     Status = "alive"
	StatusSuspected Status = "suspected"
	StatusDead      Status = "dead"
)

// ServiceSummary is the gossiped view of one service hosted by a node.
type ServiceSummary struct {
	Version int      `json:"version"`
	Methods []string `json:"methods"`
	Health  string   `json:"health"`
}

// NodeInfo is the one record a cluster keeps per known peer, including
// self. A node_id owns its own NodeInfo: only the owning node may bump
// Version, and peers never accept a NodeInfo with Version lower than the
// one they already hold for that node_id (monotonic reads, see
// Directory.Upsert).
type NodeInfo struct {
	NodeID       string                    `json:"node_id"`
	Address      string                    `json:"address"`
	Port         int                       `json:"port"`
	Role         Role                      `json:"role"`
	Capabilities []string                  `json:"capabilities,omitempty"`
	LastSeen     time.Time                 `json:"last_seen"`
	Status       Status                    `json:"status"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
	Services     map[string]ServiceSummary `json:"services,omitempty"`
	Version      uint64                    `json:"version"`
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// racing the directory's own copy.
func (n NodeInfo) Clone() NodeInfo {
	c := n
	if n.Capabilities != nil {
		c.Capabilities = append([]string(nil), n.Capabilities...)
	}
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.Services != nil {
		c.Services = make(map[string]ServiceSummary, len(n.Services))
		for k, v := range n.Services {
			c.Services[k] = v
		}
	}
	return c
}

// StatusFor derives status from last-seen age: alive if age < suspectAfter,
// suspected if suspectAfter <= age < deadAfter, else dead.
func StatusFor(lastSeen, now time.Time, suspectAfter, deadAfter time.Duration) Status {
	age := now.Sub(lastSeen)
	switch {
	case age >= deadAfter:
		return StatusDead
	case age >= suspectAfter:
		return StatusSuspected
	default:
		return StatusAlive
	}
}
