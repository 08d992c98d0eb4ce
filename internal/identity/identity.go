// Package identity is the auth collaborator: a local account database with
// sign-in/out and a "current user" the rest of the app trusts. The call
// record store uses it to reject impersonated call creation.
package identity

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/studybuddy/studybuddy/internal/docstore"
)

const usersPath = "users"

var (
	// ErrSignedOut is returned when no user is signed in.
	ErrSignedOut = errors.New("no user is signed in")

	// ErrBadCredentials is returned for an unknown email or wrong password.
	ErrBadCredentials = errors.New("invalid email or password")

	// ErrEmailTaken is returned when signing up with an existing email.
	ErrEmailTaken = errors.New("email is already registered")
)

// User is the public view of an account. The password hash never leaves
// this package.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Provider manages accounts in the document store and tracks the signed-in
// user for this process.
type Provider struct {
	store docstore.Store

	mu      sync.RWMutex
	current *User
}

// New creates a provider backed by the given store.
func New(store docstore.Store) *Provider {
	return &Provider{store: store}
}

// SignUp creates an account and signs it in.
func (p *Provider) SignUp(email, displayName, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("a valid email is required")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	if _, err := p.findByEmail(email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id, err := p.store.Add(usersPath, map[string]any{
		"email":         email,
		"display_name":  displayName,
		"password_hash": string(hash),
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	u := &User{ID: id, Email: email, DisplayName: displayName}
	p.mu.Lock()
	p.current = u
	p.mu.Unlock()
	log.Printf("AUTH: signed up %s", email)
	return u, nil
}

// SignIn verifies credentials and marks the user as current.
func (p *Provider) SignIn(email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	doc, err := p.findByEmail(email)
	if err != nil {
		return nil, ErrBadCredentials
	}
	hash, _ := doc.Fields["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}

	name, _ := doc.Fields["display_name"].(string)
	u := &User{ID: doc.ID, Email: email, DisplayName: name}
	p.mu.Lock()
	p.current = u
	p.mu.Unlock()
	log.Printf("AUTH: signed in %s", email)
	return u, nil
}

// SignOut clears the current user. Safe to call when signed out.
func (p *Provider) SignOut() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

// CurrentUser returns the signed-in user, or ErrSignedOut.
func (p *Provider) CurrentUser() (*User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil, ErrSignedOut
	}
	u := *p.current
	return &u, nil
}

// CurrentUserID returns the signed-in user's stable ID, or ErrSignedOut.
// This satisfies the call package's Identity interface.
func (p *Provider) CurrentUserID() (string, error) {
	u, err := p.CurrentUser()
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (p *Provider) findByEmail(email string) (*docstore.Doc, error) {
	docs, err := p.store.List(usersPath)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if e, _ := d.Fields["email"].(string); e == email {
			return d, nil
		}
	}
	return nil, docstore.ErrNotFound
}
