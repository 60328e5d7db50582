package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNoImport is returned when no successful feed import matches the city.
var ErrNoImport = errors.New("no feed import for city")

const latestImportQuery = `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`

// ResolveLatestImportDBName returns the database holding the most recent
// successful feed import whose name contains city. meta must be connected to
// the cluster's 'postgres' database.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}
	var name sql.NullString
	err := meta.QueryRowContext(ctx, latestImportQuery, city).Scan(&name)
	return importDBName(city, name, err)
}

func importDBName(city string, name sql.NullString, err error) (string, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: %q", ErrNoImport, city)
	case err != nil:
		return "", fmt.Errorf("resolve import for %q: %w", city, err)
	case !name.Valid || strings.TrimSpace(name.String) == "":
		return "", fmt.Errorf("%w: %q has an empty db_name", ErrNoImport, city)
	}
	return name.String, nil
}
