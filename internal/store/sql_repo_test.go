package store

import "testing"

func TestSQLRepoRebind(t *testing.T) {
	tests := []struct {
		driver string
		query  string
		want   string
	}{
		{"sqlite3", "SELECT 1 WHERE a = ? AND b = ?", "SELECT 1 WHERE a = ? AND b = ?"},
		{"postgres", "SELECT 1 WHERE a = ? AND b = ?", "SELECT 1 WHERE a = $1 AND b = $2"},
		{"postgres", "DELETE FROM t", "DELETE FROM t"},
		{"postgres", "UPDATE t SET x = ? WHERE id IN (SELECT id FROM t LIMIT ?) AND y = ?", "UPDATE t SET x = $1 WHERE id IN (SELECT id FROM t LIMIT $2) AND y = $3"},
	}
	for _, tt := range tests {
		r := newSQLRepo(nil, tt.driver)
		if got := r.rebind(tt.query); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.driver, tt.query, got, tt.want)
		}
	}
}
