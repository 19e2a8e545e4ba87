// Package core holds the sync pipeline domain types, store and collaborator
// contracts, the retry taxonomy and configuration. Adapters depend on core;
// core never imports a storage, transport or provider package.
package core
