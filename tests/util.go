package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/storage/database"
)

// PrepareDB opens the test database, migrates and empties it.
// The test is skipped when no database is reachable.
func PrepareDB(t *testing.T) *sql.DB {
	t.Helper()
	conf := core.Conf

	db, err := database.Open(conf)
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("test database unavailable: %v", err)
	}
	if err = database.Migrate(db); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ResetDB(t, db)
	return db
}

// ResetDB empties all tables.
func ResetDB(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.Exec(`TRUNCATE TABLE messages, conversation_participants, conversations, users CASCADE`); err != nil {
		t.Fatalf("ResetDB() failed: %v", err)
	}
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	role user.Role,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Role:      role,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

// Logger is a core.Logger writing to stderr, safe to use from goroutines outliving a test.
type Logger struct {
	std *log.Logger
}

var _ core.Logger = (*Logger)(nil)

func NewLogger() *Logger {
	return &Logger{std: log.New(os.Stderr, "TEST : ", log.LstdFlags|log.Lmicroseconds)}
}

func (l *Logger) print(level, msg string, args []interface{}) {
	l.std.Println(level, msg, fmt.Sprint(args...))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.print("DEBUG", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.print("INFO", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.print("WARN", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.print("ERROR", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) { l.std.Fatalln("FATAL", msg, fmt.Sprint(args...)) }
