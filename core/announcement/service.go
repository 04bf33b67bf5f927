package announcement

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/realtime"
)

const allLabel = "All Students"

var (
	// errors
	ErrUnknownAudience = errors.New("unknown audience")
)

type (
	// Accounts resolves audiences and mail recipients.
	Accounts interface {
		GetByID(ctx context.Context, id string) (account.Account, error)
		Query(ctx context.Context, filter account.QueryFilter) ([]account.Account, error)
	}

	Service interface {
		// Create publishes an announcement and mails its audience.
		Create(ctx context.Context, author account.Account, na NewAnnouncement) (Announcement, error)
		Get(ctx context.Context, id string) (Announcement, error)
		// Query returns the announcements viewer may see, newest first.
		Query(ctx context.Context, viewer account.Account) ([]Announcement, error)
		// EditMessage changes the message only; core.ErrNotFound when the announcement is gone.
		EditMessage(ctx context.Context, id string, ea EditAnnouncement) (Announcement, error)
		Delete(ctx context.Context, id string) error
		// MarkRead records that accountID has seen the announcement. Repeated calls are no-ops.
		MarkRead(ctx context.Context, id, accountID string) error
		UnreadCount(ctx context.Context, viewer account.Account) (int, error)
		SubscribeFor(ctx context.Context, viewer account.Account, fn func([]Announcement), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	service struct {
		repo     Repository
		accounts Accounts
		mailSvc  core.EmailService
	}
)

var _ Service = (*service)(nil)

// NewService returns the announcement service. mailSvc may be nil (no mail).
func NewService(repo Repository, accounts Accounts, mailSvc core.EmailService) Service {
	vala.BeginValidation().Validate(
		core.NotNil(repo, "repo"),
		core.NotNil(accounts, "accounts"),
	).CheckAndPanic()
	return &service{repo: repo, accounts: accounts, mailSvc: mailSvc}
}

func visible(viewer account.Account, anns []Announcement) []Announcement {
	if viewer.IsAdmin() {
		return anns
	}
	out := make([]Announcement, 0, len(anns))
	for _, a := range anns {
		if a.IsFor(viewer) {
			out = append(out, a)
		}
	}
	return out
}

func (svc *service) Create(ctx context.Context, author account.Account, na NewAnnouncement) (Announcement, error) {
	if err := na.Validate(); err != nil {
		return Announcement{}, err
	}

	label := allLabel
	var recipients []account.Account
	if na.Audience == AudienceAll {
		accs, err := svc.accounts.Query(ctx, account.QueryFilter{Role: account.RoleStudent, Status: account.StatusActive})
		if err != nil {
			return Announcement{}, errors.Wrap(err, "querying recipients")
		}
		recipients = accs
	} else {
		acc, err := svc.accounts.GetByID(ctx, na.Audience)
		if errors.Is(err, core.ErrNotFound) {
			return Announcement{}, core.NewValidationError(ErrUnknownAudience, core.FieldError{Field: "audience", Error: ErrUnknownAudience.Error()})
		} else if err != nil {
			return Announcement{}, errors.Wrap(err, "finding audience")
		}
		label = fmt.Sprintf("%s (%s)", acc.Name, acc.Username)
		recipients = []account.Account{acc}
	}

	now := time.Now().UTC()
	a, err := svc.repo.CreateAnnouncement(ctx, Announcement{
		ID:            core.NewID(),
		Message:       na.Message,
		Audience:      na.Audience,
		AudienceLabel: label,
		AuthorLabel:   author.Name,
		Date:          now.Format("2006-01-02"),
		Timestamp:     core.NowMillis(),
		ReadBy:        []string{},
	})
	if err != nil {
		return Announcement{}, errors.Wrap(err, "creating announcement")
	}
	svc.sendMails(a, recipients)
	return a, nil
}

func (svc *service) sendMails(a Announcement, recipients []account.Account) {
	if svc.mailSvc == nil {
		return
	}
	msgs := make([]*core.EmailMessage, 0, len(recipients))
	for _, r := range recipients {
		if r.Email == "" {
			continue
		}
		msgs = append(msgs, &core.EmailMessage{
			To:           []mail.Address{{Name: r.Name, Address: r.Email}},
			Subject:      "New announcement",
			TemplateName: core.TmplAnnouncement,
			TemplateData: map[string]interface{}{"Recipient": r.Name, "Author": a.AuthorLabel, "Message": a.Message},
		})
	}
	if len(msgs) > 0 {
		svc.mailSvc.SendMessages(msgs...)
	}
}

func (svc *service) Get(ctx context.Context, id string) (Announcement, error) {
	return svc.repo.GetAnnouncement(ctx, id)
}

func (svc *service) Query(ctx context.Context, viewer account.Account) ([]Announcement, error) {
	anns, err := svc.repo.QueryAnnouncements(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying announcements")
	}
	return visible(viewer, anns), nil
}

func (svc *service) EditMessage(ctx context.Context, id string, ea EditAnnouncement) (Announcement, error) {
	if err := ea.Validate(); err != nil {
		return Announcement{}, err
	}
	if err := svc.repo.SetMessage(ctx, id, ea.Message); err != nil {
		return Announcement{}, errors.Wrap(err, "editing announcement")
	}
	return svc.repo.GetAnnouncement(ctx, id)
}

func (svc *service) Delete(ctx context.Context, id string) error {
	return errors.Wrap(svc.repo.DeleteAnnouncement(ctx, id), "deleting announcement")
}

func (svc *service) MarkRead(ctx context.Context, id, accountID string) error {
	return svc.repo.AddReader(ctx, id, accountID)
}

func (svc *service) UnreadCount(ctx context.Context, viewer account.Account) (int, error) {
	anns, err := svc.repo.QueryAnnouncements(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying announcements")
	}
	return UnreadCount(anns, viewer), nil
}

func (svc *service) SubscribeFor(ctx context.Context, viewer account.Account, fn func([]Announcement), opts ...realtime.Options) (*realtime.Subscription, error) {
	return svc.repo.SubscribeAnnouncements(ctx, func(anns []Announcement) {
		fn(visible(viewer, anns))
	}, opts...)
}
