package postgres

import "context"

// Exec runs a raw statement. Tests use it to create per test databases.
func (s *Store) Exec(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}
