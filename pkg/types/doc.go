// Package types holds the domain model shared across the control plane:
// tenants, instances, workers, plans, and the instance config document.
package types
