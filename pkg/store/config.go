package store

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured returns a Store configured via lflag. The database is not
// opened until lflag.Do runs.
func Configured() *Store {
	s := &Store{}
	path := lflag.String("db-path", "data/chargepilot.db", "Path to the sqlite schedule database")
	lflag.Do(func() {
		opened, err := Open(*path)
		if err != nil {
			panic(fmt.Sprintf("schedule store init failed: %v", err))
		}
		s.db = opened.db
	})
	return s
}
