package rules

import (
	"crypto/sha256"
	"encoding/binary"
)

// Sampler decides whether a partial-stage rule executes for an entity.
type Sampler interface {
	Admit(ruleID, entityID string, percentage int) bool
}

// HashSampler buckets (rule, entity) pairs into [0,100) with SHA-256 so that
// the same entity always gets the same answer for an unchanged percentage.
// The rule ID salts the hash, so rules roll out to independent populations.
type HashSampler struct{}

// Admit reports whether entityID falls inside the first percentage buckets.
func (HashSampler) Admit(ruleID, entityID string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return Bucket(ruleID, entityID) < percentage
}

// Bucket returns the stable bucket in [0,100) for a (rule, entity) pair.
func Bucket(ruleID, entityID string) int {
	sum := sha256.Sum256([]byte(ruleID + ":" + entityID))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}
