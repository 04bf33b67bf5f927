package account

import (
	"context"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/realtime"
)

var (
	// errors
	ErrUsernameExists     = errors.New("Roll Number/Username already exists")
	ErrInvalidCredentials = errors.New("Invalid credentials")
	ErrAwaitingApproval   = errors.New("Account awaiting admin approval.")
	ErrAccessDenied       = errors.New("Account access has been denied.")
	ErrInvalidStatus      = errors.New("invalid status")
)

type (
	// OwnerRenamer propagates an account's new display name to the records it owns.
	OwnerRenamer interface {
		RenameOwner(ctx context.Context, ownerID, name string) error
	}

	Service interface {
		// Register creates a pending student account awaiting admin approval.
		Register(ctx context.Context, na NewAccount) (Account, error)
		// AdminAdd creates an active account (student unless na.Role says otherwise).
		AdminAdd(ctx context.Context, na NewAccount) (Account, error)
		// Login checks credentials and status, and stamps LastLogin.
		Login(ctx context.Context, username, password string) (Account, error)
		GetByID(ctx context.Context, id string) (Account, error)
		GetByUsername(ctx context.Context, username string) (Account, error)
		Query(ctx context.Context, filter QueryFilter) ([]Account, error)
		UpdateStatus(ctx context.Context, id, status string) (Account, error)
		UpdateProfile(ctx context.Context, id string, up UpdateProfile) (Account, error)
		AdminUpdate(ctx context.Context, id string, au AdminUpdate) (Account, error)
		ResetPassword(ctx context.Context, username, password string) error
		Delete(ctx context.Context, id string) error
		Subscribe(ctx context.Context, filter QueryFilter, fn func([]Account), opts ...realtime.Options) (*realtime.Subscription, error)
		SubscribeToOne(ctx context.Context, id string, fn func(*Account), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
		renamer OwnerRenamer
	}
)

var _ Service = (*service)(nil)

// NewService returns the account service. renamer may be nil.
func NewService(repo Repository, mailSvc core.EmailService, renamer OwnerRenamer) Service {
	return &service{repo: repo, mailSvc: mailSvc, renamer: renamer}
}

func usernameExists() error {
	return core.NewValidationError(ErrUsernameExists, core.FieldError{Field: "username", Error: ErrUsernameExists.Error()})
}

func (svc *service) create(ctx context.Context, na NewAccount, status string) (Account, error) {
	if err := na.Validate(); err != nil {
		return Account{}, err
	}
	now := time.Now().UTC()
	acc := Account{
		ID:        core.NewID(),
		Name:      na.Name,
		Username:  na.Username,
		Email:     na.Email,
		Role:      na.Role,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if acc.Role == "" {
		acc.Role = RoleStudent
	}
	if err := acc.SetPassword(na.Password); err != nil {
		return Account{}, errors.Wrap(err, "hashing password")
	}
	acc, err := svc.repo.CreateAccount(ctx, acc)
	if errors.Is(err, core.ErrDuplicateKey) {
		return Account{}, usernameExists()
	}
	return acc, errors.Wrap(err, "creating account")
}

func (svc *service) Register(ctx context.Context, na NewAccount) (Account, error) {
	na.Role = RoleStudent
	return svc.create(ctx, na, StatusPending)
}

func (svc *service) AdminAdd(ctx context.Context, na NewAccount) (Account, error) {
	return svc.create(ctx, na, StatusActive)
}

func (svc *service) Login(ctx context.Context, username, password string) (Account, error) {
	acc, err := svc.repo.GetAccountByUsername(ctx, core.CleanString(username, true /* lower */))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Account{}, core.NewValidationError(ErrInvalidCredentials)
		}
		return Account{}, errors.Wrap(err, "finding account by username")
	}
	if err := acc.CheckPassword(password); err != nil {
		return Account{}, core.NewValidationError(ErrInvalidCredentials)
	}
	switch acc.Status {
	case StatusPending:
		return Account{}, core.NewValidationError(ErrAwaitingApproval)
	case StatusRejected:
		return Account{}, core.NewValidationError(ErrAccessDenied)
	}

	acc.LastLogin = time.Now().UTC()
	if err := svc.repo.SetLastLogin(ctx, acc.ID, acc.LastLogin); err != nil {
		return Account{}, errors.Wrap(err, "setting lastLogin")
	}
	return acc, nil
}

func (svc *service) GetByID(ctx context.Context, id string) (Account, error) {
	return svc.repo.GetAccountByID(ctx, id)
}

func (svc *service) GetByUsername(ctx context.Context, username string) (Account, error) {
	return svc.repo.GetAccountByUsername(ctx, core.CleanString(username, true /* lower */))
}

func (svc *service) Query(ctx context.Context, filter QueryFilter) ([]Account, error) {
	filter.Clean()
	return svc.repo.QueryAccounts(ctx, filter)
}

func (svc *service) UpdateStatus(ctx context.Context, id, status string) (Account, error) {
	status = core.CleanString(status, true /* lower */)
	if !oneOf(status, AllStatuses) {
		return Account{}, core.NewValidationError(ErrInvalidStatus, core.FieldError{Field: "status", Error: statusText})
	}
	prev, err := svc.repo.GetAccountByID(ctx, id)
	if err != nil {
		return Account{}, errors.Wrap(err, "finding account by ID")
	}
	if err := svc.repo.SetStatus(ctx, id, status); err != nil {
		return Account{}, errors.Wrap(err, "setting status")
	}
	acc, err := svc.repo.GetAccountByID(ctx, id)
	if err != nil {
		return Account{}, errors.Wrap(err, "finding account by ID")
	}
	if prev.Status != StatusActive && acc.Status == StatusActive {
		svc.sendActivationMail(acc)
	}
	return acc, nil
}

func (svc *service) sendActivationMail(acc Account) {
	if svc.mailSvc == nil || acc.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: acc.Name, Address: acc.Email}},
		Subject:      "Your account has been approved",
		TemplateName: core.TmplAccountActivated,
		TemplateData: map[string]interface{}{"Name": acc.Name, "Username": acc.Username},
	})
}

func (svc *service) UpdateProfile(ctx context.Context, id string, up UpdateProfile) (Account, error) {
	acc, err := svc.repo.GetAccountByID(ctx, id)
	if err != nil {
		return Account{}, errors.Wrap(err, "finding account by ID")
	}
	if err := up.Validate(acc); err != nil {
		return Account{}, err
	}

	renamed := up.Name != "" && up.Name != acc.Name
	if up.Name != "" {
		acc.Name = up.Name
	}
	if up.Password != "" {
		if err := acc.SetPassword(up.Password); err != nil {
			return Account{}, errors.Wrap(err, "hashing password")
		}
	}
	acc.UpdatedAt = time.Now().UTC()
	if acc, err = svc.repo.UpdateAccount(ctx, acc); err != nil {
		return Account{}, errors.Wrap(err, "updating account")
	}

	if renamed && svc.renamer != nil {
		if err := svc.renamer.RenameOwner(ctx, acc.ID, acc.Name); err != nil {
			return acc, errors.Wrap(err, "renaming owner on lectures")
		}
	}
	return acc, nil
}

func (svc *service) AdminUpdate(ctx context.Context, id string, au AdminUpdate) (Account, error) {
	acc, err := svc.repo.GetAccountByID(ctx, id)
	if err != nil {
		return Account{}, errors.Wrap(err, "finding account by ID")
	}
	if err := au.Validate(acc); err != nil {
		return Account{}, err
	}

	renamed := au.Name != acc.Name
	acc.Name = au.Name
	acc.Username = au.Username
	acc.Email = au.Email
	if au.Password != "" {
		if err := acc.SetPassword(au.Password); err != nil {
			return Account{}, errors.Wrap(err, "hashing password")
		}
	}
	acc.UpdatedAt = time.Now().UTC()
	acc, err = svc.repo.UpdateAccount(ctx, acc)
	if errors.Is(err, core.ErrDuplicateKey) {
		return Account{}, usernameExists()
	} else if err != nil {
		return Account{}, errors.Wrap(err, "updating account")
	}

	if renamed && svc.renamer != nil {
		if err := svc.renamer.RenameOwner(ctx, acc.ID, acc.Name); err != nil {
			return acc, errors.Wrap(err, "renaming owner on lectures")
		}
	}
	return acc, nil
}

func (svc *service) ResetPassword(ctx context.Context, username, password string) error {
	acc, err := svc.GetByUsername(ctx, username)
	if err != nil {
		return errors.Wrap(err, "finding account by username")
	}
	if err := ValidatePassword(password, acc); err != nil {
		return err
	}
	if err := acc.SetPassword(password); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	acc.UpdatedAt = time.Now().UTC()
	_, err = svc.repo.UpdateAccount(ctx, acc)
	return errors.Wrap(err, "updating account")
}

func (svc *service) Delete(ctx context.Context, id string) error {
	return errors.Wrap(svc.repo.DeleteAccount(ctx, id), "deleting account")
}

func (svc *service) Subscribe(ctx context.Context, filter QueryFilter, fn func([]Account), opts ...realtime.Options) (*realtime.Subscription, error) {
	filter.Clean()
	return svc.repo.SubscribeAccounts(ctx, filter, fn, opts...)
}

func (svc *service) SubscribeToOne(ctx context.Context, id string, fn func(*Account), opts ...realtime.Options) (*realtime.Subscription, error) {
	return svc.repo.SubscribeAccount(ctx, id, fn, opts...)
}

func oneOf(val string, allowed []string) bool {
	for _, a := range allowed {
		if val == a {
			return true
		}
	}
	return false
}
