// Package estateregistry implements estate settlement inside the
// estate-settlement context.
//
// The module owns estate records (allocation rules, guardians, lifecycle
// flags), the guardian approval gate consulted before release, and the
// distribution engine that turns an asset snapshot into per-recipient
// transfers. State transitions are committed before any asset movement and
// every committed transition is published through the outbox.
package estateregistry
