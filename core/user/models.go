package user

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/masomo/core"
)

// Role is the classroom role of a User.
type Role string

// Roles
const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

var (
	AllRoles = []Role{RoleTeacher, RoleStudent}

	Roles = []RoleChoice{
		{Name: "Teacher", Value: RoleTeacher},
		{Name: "Student", Value: RoleStudent},
	}

	ErrInvalidRole = errors.New("invalid role")
)

// ParseRole validates a role coming from outside the core (tokens, rows, payloads).
func ParseRole(s string) (Role, error) {
	switch r := Role(core.CleanString(s, true /* lower */)); r {
	case RoleTeacher, RoleStudent:
		return r, nil
	default:
		return "", errors.Wrapf(ErrInvalidRole, "%q", s)
	}
}

func (r Role) Valid() bool { return r == RoleTeacher || r == RoleStudent }

func (r Role) String() string { return string(r) }

type RoleChoice struct {
	Name  string `json:"name"`
	Value Role   `json:"value"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	AvatarURL    string    `json:"avatar_url"`
	IsActive     bool      `json:"is_active"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) IsTeacher() bool { return u.Role == RoleTeacher }

func (u *User) IsStudent() bool { return u.Role == RoleStudent }

// Profile returns the identity snapshot shared with other users.
func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Name: u.Name, Role: u.Role, AvatarURL: u.AvatarURL}
}

// Profile is the public identity of a User: what messaging shows next to a message
// and what the participant candidate list is made of.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Name            string `json:"name" validate:"required,notblank"`
	Username        string `json:"username" validate:"required,min=3,alphanum_"`
	Email           string `json:"email" validate:"omitempty,email"`
	Role            Role   `json:"role" validate:"required,role"`
	AvatarURL       string `json:"avatar_url" validate:"omitempty,url"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (nu *NewUser) Clean() {
	nu.Name = core.CleanString(nu.Name)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.Role = Role(core.CleanString(string(nu.Role), true /* lower */))
	nu.AvatarURL = core.CleanString(nu.AvatarURL)
}

func (nu *NewUser) Validate(validate *validator.Validate, svc ServiceInterface) error {
	nu.Clean()
	if err := validate.Struct(nu); err != nil {
		return err
	}
	return svc.CheckUniqueness(nu.Username, nu.Email)
}

type QueryFilter struct {
	Search    string   `query:"search"`
	Roles     []Role   `query:"role"`
	ExcludeID []string `query:"-"`
	IsActive  *bool    `query:"-"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}
