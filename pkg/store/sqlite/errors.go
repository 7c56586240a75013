package sqlite

import "strings"

// isUniqueViolation reports whether err is a SQLite unique/primary-key
// constraint failure. The driver exposes no stable sentinel, so the message
// is the contract ("UNIQUE constraint failed: table.column").
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
