package api

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

var bucketUsers = []byte("users")

// UserStore holds operator credentials as username → bcrypt hash.
type UserStore struct {
	db *bolt.DB
}

// OpenUserStore opens or creates the auth database.
func OpenUserStore(path string) (*UserStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening auth database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUsers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating users bucket: %w", err)
	}

	return &UserStore{db: db}, nil
}

// Close closes the underlying database.
func (u *UserStore) Close() error {
	return u.db.Close()
}

// CreateUser stores a new operator with a bcrypt hash of the password.
// An existing username is overwritten.
func (u *UserStore) CreateUser(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return u.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(username), hash)
	})
}

// DeleteUser removes an operator. Unknown usernames are a no-op.
func (u *UserStore) DeleteUser(username string) error {
	return u.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

// Verify checks a username/password pair against the stored hash.
func (u *UserStore) Verify(username, password string) bool {
	var hash []byte
	u.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketUsers).Get([]byte(username)); v != nil {
			hash = make([]byte, len(v))
			copy(hash, v)
		}
		return nil
	})
	if hash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Count returns the number of stored operators.
func (u *UserStore) Count() int {
	n := 0
	u.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketUsers).Stats().KeyN
		return nil
	})
	return n
}
