// Package tenant stores tenants and their plan tier. Store implements the
// permission checker's plan lookup.
package tenant
