package user

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

var (
	// errors
	ErrNotFound          = errors.New("user not found")
	ErrEmailExists       = errors.New("a user with this email already exists")
	ErrUsernameExists    = errors.New("a user with this username already exists")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrInactive          = errors.New("account deactivated")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		// CheckUniqueness returns ErrUsernameExists or ErrEmailExists when taken by another user.
		CheckUniqueness(ctx context.Context, username, email string) error
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUserByUsernameOrEmail(ctx context.Context, login string) (User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.Name, User.Username or User.Email.
		QueryUsers(ctx context.Context, filter QueryFilter) ([]User, error)
		SetLastLogin(ctx context.Context, id string, at time.Time) error
	}

	ServiceInterface interface {
		CheckUniqueness(uname, email string) error
		Create(nu NewUser) (User, error)
		GetByID(id string) (User, error)
		GetByUsernameOrEmail(login string) (User, error)
		Authenticate(login, pwd string) (User, error)
		Candidates(me Profile, filter QueryFilter) ([]Profile, error)
	}

	service struct {
		repo Repository
	}
)

var _ ServiceInterface = (*service)(nil)

func NewService(repo Repository) ServiceInterface {
	return &service{repo: repo}
}

func (svc *service) CheckUniqueness(uname, email string) error {
	if err := svc.repo.CheckUniqueness(context.Background(), uname, email); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return errors.Wrap(err, "checking uniqueness")
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) Create(nu NewUser) (User, error) {
	now := NowFunc().UTC()
	usr := User{
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		Role:      nu.Role,
		AvatarURL: nu.AvatarURL,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	return svc.repo.CreateUser(context.Background(), usr)
}

func (svc *service) GetByID(id string) (User, error) {
	return svc.repo.GetUserByID(context.Background(), id)
}

func (svc *service) GetByUsernameOrEmail(login string) (User, error) {
	return svc.repo.GetUserByUsernameOrEmail(context.Background(), core.CleanString(login, true /* lower */))
}

// Authenticate checks the credentials of an active user and records the login.
func (svc *service) Authenticate(login, pwd string) (User, error) {
	usr, err := svc.GetByUsernameOrEmail(login)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return User{}, ErrInvalidCredential
		}
		return User{}, errors.Wrap(err, "finding user by username or email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return User{}, ErrInvalidCredential
	}
	if !usr.IsActive {
		return User{}, ErrInactive
	}
	usr.LastLogin = NowFunc().UTC()
	if err = svc.repo.SetLastLogin(context.Background(), usr.ID, usr.LastLogin); err != nil {
		return User{}, errors.Wrap(err, "setting lastLogin")
	}
	return usr, nil
}

// Candidates lists the active users `me` can start a conversation with.
func (svc *service) Candidates(me Profile, filter QueryFilter) ([]Profile, error) {
	filter.Clean()
	active := true
	filter.IsActive = &active
	filter.ExcludeID = append(filter.ExcludeID, me.ID)

	users, err := svc.repo.QueryUsers(context.Background(), filter)
	if err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	profiles := make([]Profile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	return profiles, nil
}
