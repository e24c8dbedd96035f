// Package memory provides in-process record, status and blob stores for
// development and tests.
package memory
