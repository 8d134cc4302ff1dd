package database

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Registered database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

var dollarPlaceholder = regexp.MustCompile(`\$\d+`)

// NormalizeDriver maps accepted aliases onto the registered driver name.
func NormalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "postgres", "postgresql", "pgsql":
		return DriverPostgres
	case "mysql", "mariadb":
		return DriverMySQL
	case "sqlite", "sqlite3":
		return DriverSQLite
	default:
		return d
	}
}

// IsSQLDriver reports whether driver names one of the supported SQL backends.
func IsSQLDriver(driver string) bool {
	switch NormalizeDriver(driver) {
	case DriverPostgres, DriverMySQL, DriverSQLite:
		return true
	}
	return false
}

// IsMySQL returns true if using MySQL/MariaDB.
func IsMySQL(driver string) bool {
	return NormalizeDriver(driver) == DriverMySQL
}

// ConvertPlaceholders converts ? placeholders to the bindvar style of driver.
// This is the only place placeholders get rewritten; queries elsewhere are
// written with ? and passed through here.
//
// IMPORTANT: Only ? placeholders are allowed. Using $N placeholders will panic.
func ConvertPlaceholders(driver, query string) string {
	if dollarPlaceholder.MatchString(query) {
		panic(fmt.Sprintf("ConvertPlaceholders: $N placeholders are not allowed. Use ? placeholders instead.\nQuery: %s", query))
	}
	return sqlx.Rebind(sqlx.BindType(NormalizeDriver(driver)), query)
}
