package fakeuserrepo

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-team-auth/users"
)

var _ users.UserRepo = (*FakeUserRepo)(nil)

var ErrNotFound = errors.New("not found")

type FakeUserRepo struct {
	accounts map[string]*users.Account
	emailIds map[string]string // email to user id
	lock     sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		accounts: make(map[string]*users.Account),
		emailIds: make(map[string]string),
	}
}

func (ur *FakeUserRepo) Upsert(account *users.Account) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if account.User.ID == "" {
		account.User.ID = uuid.New().String()
	}
	account.Profile.UserID = account.User.ID
	email := strings.ToLower(account.User.Email)
	ur.accounts[account.User.ID] = account
	ur.emailIds[email] = account.User.ID
	return nil
}

func (ur *FakeUserRepo) Delete(email string) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	email = strings.ToLower(email)
	userID, ok := ur.emailIds[email]
	if !ok {
		return ErrNotFound
	}
	delete(ur.emailIds, email)
	delete(ur.accounts, userID)
	return nil
}

func (ur *FakeUserRepo) GetByEmail(email string) (*users.Account, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.emailIds[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return ur.copyOf(id)
}

func (ur *FakeUserRepo) GetByID(id string) (*users.Account, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	return ur.copyOf(id)
}

func (ur *FakeUserRepo) UpdateProfile(profile users.Profile) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	account, ok := ur.accounts[profile.UserID]
	if !ok {
		return ErrNotFound
	}
	account.Profile = profile
	return nil
}

// copyOf must be called with the lock held.
func (ur *FakeUserRepo) copyOf(id string) (*users.Account, error) {
	account, ok := ur.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *account
	c.User = *account.User.Clone()
	return &c, nil
}
