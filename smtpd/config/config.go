// Package config provides an optional, file-backed user database for
// embedders that want a working AUTH backend without writing their own:
// load a database written by this package's own admin helper (or by any
// tool using blitiri.com.ar/go/smtpd/internal/userdb's same format) and
// turn it into a smtpd.AuthenticationHandlerFactory supporting PLAIN and
// LOGIN.
//
// This is entirely optional; core servers built with this library don't
// need it and can supply any AuthenticationHandlerFactory of their own.
package config

import (
	"os"

	"blitiri.com.ar/go/smtpd/internal/auth"
	"blitiri.com.ar/go/smtpd/internal/authdialogue"
	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/normalize"
	"blitiri.com.ar/go/smtpd/internal/userdb"
)

// UserDB is a loaded user database, ready to back an AUTH mechanism or be
// edited directly.
type UserDB struct {
	db  *userdb.DB
	auc *auth.Authenticator
}

// LoadUserDB reads a user database from fname (the prototext format written
// by internal/userdb, generated from a Password protobuf message per user).
// A missing file is not an error: it is treated as an empty, writable
// database at that path (internal/userdb.Load itself reports it as an
// error, which LoadUserDB ignores).
func LoadUserDB(fname string) (*UserDB, error) {
	db, err := userdb.Load(fname)
	if err != nil {
		// userdb.Load does not consider a missing file separately from any
		// other read error, so check for it ourselves.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return newUserDB(db), nil
}

// NewUserDB returns an empty, in-memory-only user database that Write
// persists to fname.
func NewUserDB(fname string) *UserDB {
	return newUserDB(userdb.New(fname))
}

func newUserDB(db *userdb.DB) *UserDB {
	a := auth.NewAuthenticator()
	// Registered under the empty domain so Authenticate never appends a
	// "@domain" suffix this library has no concept of: it is single-realm
	// and authenticates bare usernames straight against db, rather than
	// dispatching "user@domain" across a per-domain backend registry.
	a.Register("", auth.WrapNoErrorBackend(db))
	return &UserDB{db: db, auc: a}
}

// AddUser adds or overwrites name's password, scrypt-hashed.
func (u *UserDB) AddUser(name, plainPassword string) error {
	norm, err := normalize.User(name)
	if err != nil {
		return err
	}
	return u.db.AddUser(norm, plainPassword)
}

// RemoveUser removes name, reporting whether it was present.
func (u *UserDB) RemoveUser(name string) bool {
	return u.db.RemoveUser(name)
}

// Write persists the database to the file it was loaded from or created
// with.
func (u *UserDB) Write() error {
	return u.db.Write()
}

// AuthenticationHandlerFactory returns a collab.AuthenticationHandlerFactory
// backed by u, supporting the PLAIN and LOGIN mechanisms. CRAM-MD5 is not
// offered: it needs the plaintext password to compute its HMAC response,
// which a scrypt-hashed database cannot produce.
func (u *UserDB) AuthenticationHandlerFactory() collab.AuthenticationHandlerFactory {
	return &userDBAuthFactory{u}
}

type userDBAuthFactory struct {
	u *UserDB
}

func (f *userDBAuthFactory) Mechanisms() []string {
	return []string{"PLAIN", "LOGIN"}
}

func (f *userDBAuthFactory) New(mechanism string, info collab.SessionInfo) (collab.AuthHandler, bool) {
	verify := func(identity, password string) (bool, error) {
		name, err := normalize.User(identity)
		if err != nil {
			return false, nil
		}
		ok, err := f.u.auc.Authenticate(name, "", password)
		return ok, err
	}

	switch mechanism {
	case "PLAIN":
		return authdialogue.Plain(verify), true
	case "LOGIN":
		return authdialogue.Login(verify), true
	default:
		return nil, false
	}
}
