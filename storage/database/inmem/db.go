package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

type (
	// DB is an in-memory store. One lock guards all tables so that multi-table writes are atomic.
	DB struct {
		mutex sync.RWMutex

		users         map[string]*user.User
		conversations map[string]*messaging.Conversation
		directKeys    map[string]string                  // direct key: conversation id
		participants  map[string][]messaging.Participant // conversation id: rows
		messages      map[string]*messaging.Message
		threads       map[string][]string // conversation id: message ids, in insert order
	}
)

func Open() *DB {
	return &DB{
		users:         make(map[string]*user.User),
		conversations: make(map[string]*messaging.Conversation),
		directKeys:    make(map[string]string),
		participants:  make(map[string][]messaging.Participant),
		messages:      make(map[string]*messaging.Message),
		threads:       make(map[string][]string),
	}
}

// Reset empties all tables.
func (db *DB) Reset() {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.users = make(map[string]*user.User)
	db.conversations = make(map[string]*messaging.Conversation)
	db.directKeys = make(map[string]string)
	db.participants = make(map[string][]messaging.Participant)
	db.messages = make(map[string]*messaging.Message)
	db.threads = make(map[string][]string)
}
