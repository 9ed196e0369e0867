package auth

import (
	"context"
	"encoding/json"

	"golang.org/x/crypto/bcrypt"

	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/errors"
)

const userPrefix = "user/"

// User is a local account allowed to log in with a password
type User struct {
	Username     string   `json:"username" yaml:"username"`
	UID          int      `json:"uid" yaml:"uid"`
	Roles        []string `json:"roles" yaml:"roles"`
	Locked       bool     `json:"locked" yaml:"locked"`
	PasswordHash string   `json:"password_hash,omitempty" yaml:"-"`
}

// SeedUser is a user created at boot when absent
type SeedUser struct {
	User     `yaml:",inline"`
	Password string `json:"password" yaml:"password"`
}

// Users stores accounts in the datastore
type Users struct {
	store datastore.Store
	cost  int
}

// NewUsers creates the account store
func NewUsers(store datastore.Store) *Users {
	return &Users{store: store, cost: bcrypt.DefaultCost}
}

// Put creates or replaces a user, hashing password when it is not empty
func (u *Users) Put(ctx context.Context, user User, password string) error {
	if user.Username == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Users", "Put", "validate username")
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
		if err != nil {
			return errors.WrapInvalid(err, "Users", "Put", "hash password")
		}
		user.PasswordHash = string(hash)
	}
	return datastore.PutJSON(ctx, u.store, userPrefix+user.Username, user)
}

// Get loads a user
func (u *Users) Get(ctx context.Context, username string) (User, error) {
	var user User
	if err := datastore.GetJSON(ctx, u.store, userPrefix+username, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Seed creates the users that do not exist yet
func (u *Users) Seed(ctx context.Context, seeds []SeedUser) error {
	for _, seed := range seeds {
		_, err := u.Get(ctx, seed.Username)
		if err == nil {
			continue
		}
		if !datastore.IsNotFound(err) {
			return errors.Wrap(err, "Users", "Seed", "load "+seed.Username)
		}
		if err := u.Put(ctx, seed.User, seed.Password); err != nil {
			return errors.Wrap(err, "Users", "Seed", "create "+seed.Username)
		}
	}
	return nil
}

// List returns every user without password hashes
func (u *Users) List(ctx context.Context) ([]User, error) {
	entries, err := u.store.Query(ctx, userPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(entries))
	for _, e := range entries {
		var user User
		if err := json.Unmarshal(e.Value, &user); err != nil {
			return nil, errors.WrapInvalid(err, "Users", "List", "decode "+e.Key)
		}
		user.PasswordHash = ""
		out = append(out, user)
	}
	return out, nil
}

// Verify checks a password. Unknown and locked users fail the same way as
// a wrong password.
func (u *Users) Verify(ctx context.Context, username, password string) (User, bool, error) {
	user, err := u.Get(ctx, username)
	if datastore.IsNotFound(err) {
		// keep timing close to the found case
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	if user.Locked || user.PasswordHash == "" {
		return User{}, false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, false, nil
	}
	return user, true, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("middlewared"), bcrypt.MinCost)
