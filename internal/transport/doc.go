// Package transport defines the session abstraction the supervisor drives.
// Concrete drivers live in the wsdriver and matrixdriver subpackages.
package transport
