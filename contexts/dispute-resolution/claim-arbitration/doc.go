// Package claimarbitration implements disputed-claim arbitration inside the
// dispute-resolution context.
//
// Staked verifiers vote on claims with a weight derived from their
// reputation. A claim resolves early once one side holds a super-majority of
// the cast weight, or after its voting deadline by simple majority. The
// outcome leaves the module only as a claim.resolved event; nothing here
// calls into the estate registry.
package claimarbitration
