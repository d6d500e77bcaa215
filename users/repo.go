package users

// Account is the backend-side record of a user: identity, credentials and profile.
type Account struct {
	User         User
	PasswordHash string
	Profile      Profile
}

type UserRepo interface {
	Upsert(account *Account) error
	Delete(email string) error
	GetByEmail(email string) (*Account, error)
	GetByID(ID string) (*Account, error)
	UpdateProfile(profile Profile) error
}
