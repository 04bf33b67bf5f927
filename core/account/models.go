package account

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/lecturelog/core"
)

// Roles
const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// Statuses
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusRejected = "rejected"
)

var (
	AllRoles    = []string{RoleStudent, RoleAdmin}
	AllStatuses = []string{StatusPending, StatusActive, StatusRejected}
)

type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"` // roll number for students
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (a *Account) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.PasswordHash = hash
	return nil
}

func (a *Account) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(pwd))
}

func (a *Account) IsAdmin() bool   { return a.Role == RoleAdmin }
func (a *Account) IsStudent() bool { return a.Role == RoleStudent }
func (a *Account) IsActive() bool  { return a.Status == StatusActive }

// NewAccount contains information needed to create a new Account.
type NewAccount struct {
	Name            string `json:"name" validate:"required"`
	Username        string `json:"username" validate:"required,min=3,username"`
	Email           string `json:"email" validate:"omitempty,email"`
	Role            string `json:"role" validate:"omitempty,role"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (na *NewAccount) Validate() error {
	na.Name = core.CleanString(na.Name)
	na.Username = core.CleanString(na.Username, true /* lower */)
	na.Email = core.CleanString(na.Email, true /* lower */)
	na.Role = core.CleanString(na.Role, true /* lower */)
	return core.ValidateStruct(na)
}

// UpdateProfile defines what an account holder may change about themselves.
type UpdateProfile struct {
	Name            string `json:"name"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`

	// filled from the stored account, for the password policy
	username string
	email    string
}

func (up *UpdateProfile) Validate(orig Account) error {
	up.Name = core.CleanString(up.Name)
	up.username = orig.Username
	up.email = orig.Email
	return core.ValidateStruct(up)
}

// AdminUpdate defines what an admin may change about any account.
type AdminUpdate struct {
	Name            string `json:"name"`
	Username        string `json:"username" validate:"omitempty,min=3,username"`
	Email           string `json:"email" validate:"omitempty,email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
}

func (au *AdminUpdate) Validate(orig Account) error {
	if name := core.CleanString(au.Name); name != "" {
		au.Name = name
	} else {
		au.Name = orig.Name
	}
	if uname := core.CleanString(au.Username, true /* lower */); uname != "" {
		au.Username = uname
	} else {
		au.Username = orig.Username
	}
	if email := core.CleanString(au.Email, true /* lower */); email != "" {
		au.Email = email
	} else {
		au.Email = orig.Email
	}
	return core.ValidateStruct(au)
}

type QueryFilter struct {
	Role   string `query:"role"`
	Status string `query:"status"`
}

func (qf *QueryFilter) Clean() {
	qf.Role = core.CleanString(qf.Role, true /* lower */)
	qf.Status = core.CleanString(qf.Status, true /* lower */)
}

func (qf QueryFilter) query() core.Query {
	var q core.Query
	if qf.Role != "" {
		q.Where = append(q.Where, core.Filter{Field: "role", Value: qf.Role})
	}
	if qf.Status != "" {
		q.Where = append(q.Where, core.Filter{Field: "status", Value: qf.Status})
	}
	return q.OrderedBy("name", true)
}
