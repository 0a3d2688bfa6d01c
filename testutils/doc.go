// Package testutils provides fixtures shared by the courier test suites:
// a standard user table, a conformance suite every mailstore backend runs,
// and access to an optional PostgreSQL test database.
package testutils
