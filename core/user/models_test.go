package user

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Role
		wantErr bool
	}{
		{name: "teacher", in: "teacher", want: RoleTeacher},
		{name: "student upper", in: " STUDENT ", want: RoleStudent},
		{name: "admin", in: "admin", wantErr: true},
		{name: "legacy prefixed", in: "teacher:", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestUser_Profile(t *testing.T) {
	usr := User{ID: "u1", Name: "Teacher", Username: "teacher", Role: RoleTeacher, AvatarURL: "https://cdn.test/t.png"}
	assert.Equal(t, Profile{ID: "u1", Name: "Teacher", Role: RoleTeacher, AvatarURL: "https://cdn.test/t.png"}, usr.Profile())
	assert.True(t, usr.IsTeacher())
	assert.False(t, usr.IsStudent())
}

func TestUser_Password(t *testing.T) {
	var usr User
	require.NoError(t, usr.SetPassword("Sup3r$ecret"))
	assert.NoError(t, usr.CheckPassword("Sup3r$ecret"))
	assert.Error(t, usr.CheckPassword("nope"))
}

func TestNewUser_validation(t *testing.T) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)

	valid := func() NewUser {
		return NewUser{
			Name:            "Teacher One",
			Username:        "teacher1",
			Email:           "t1@test.cd",
			Role:            RoleTeacher,
			Password:        "Sup3r$ecret",
			PasswordConfirm: "Sup3r$ecret",
		}
	}

	tests := []struct {
		name     string
		mutate   func(nu *NewUser)
		wantErrs map[string]string // field: tag
	}{
		{name: "valid", mutate: func(nu *NewUser) {}},
		{
			name:     "blank name",
			mutate:   func(nu *NewUser) { nu.Name = "   " },
			wantErrs: map[string]string{"name": "required"},
		},
		{
			name:     "invalid role",
			mutate:   func(nu *NewUser) { nu.Role = "admin" },
			wantErrs: map[string]string{"role": "role"},
		},
		{
			name:     "short password",
			mutate:   func(nu *NewUser) { nu.Password, nu.PasswordConfirm = "abc", "abc" },
			wantErrs: map[string]string{"password": pwdMinLenTag},
		},
		{
			name:     "whitespace password",
			mutate:   func(nu *NewUser) { nu.Password, nu.PasswordConfirm = "abc def ghi", "abc def ghi" },
			wantErrs: map[string]string{"password": pwdNoSpaceTag},
		},
		{
			name:     "numeric password",
			mutate:   func(nu *NewUser) { nu.Password, nu.PasswordConfirm = "1234567890", "1234567890" },
			wantErrs: map[string]string{"password": pwdNotAllNumTag},
		},
		{
			name:     "password similar to name",
			mutate:   func(nu *NewUser) { nu.Password, nu.PasswordConfirm = "teacherone1", "teacherone1" },
			wantErrs: map[string]string{"password": pwdAttrSimTag},
		},
		{
			name:     "password mismatch",
			mutate:   func(nu *NewUser) { nu.PasswordConfirm = "Sup3r$ecret!" },
			wantErrs: map[string]string{"password_confirm": "eqfield"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nu := valid()
			tt.mutate(&nu)
			nu.Clean()

			err := validate.Struct(nu)
			if len(tt.wantErrs) == 0 {
				assert.NoError(t, err)
				return
			}
			vErrs, ok := err.(validator.ValidationErrors)
			require.True(t, ok, "want validator.ValidationErrors, got %v", err)
			got := make(map[string]string, len(vErrs))
			for _, fe := range vErrs {
				got[fe.Field()] = fe.Tag()
				assert.NotEmpty(t, fe.Translate(translator))
			}
			assert.Equal(t, tt.wantErrs, got)
		})
	}
}
