package announcement

import (
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
)

// AudienceAll addresses every account.
const AudienceAll = "all"

var (
	audienceTag   = "audience"
	audienceText  = "audience must be \"all\" or an account id"
	audienceRegex = regexp.MustCompile(`^[\w-]+$`)
)

func init() {
	_ = core.Validate.RegisterValidation(audienceTag, func(fl validator.FieldLevel) bool {
		return audienceRegex.MatchString(fl.Field().String())
	})
	core.RegisterCustomTranslation(core.Validate, core.Translator, audienceTag, audienceText)
}

type Announcement struct {
	ID            string   `json:"id"`
	Message       string   `json:"message"`
	Audience      string   `json:"audience"` // "all" or an account id
	AudienceLabel string   `json:"audience_label"`
	AuthorLabel   string   `json:"author_label"`
	Date          string   `json:"date"`      // YYYY-MM-DD
	Timestamp     int64    `json:"timestamp"` // ms since epoch
	ReadBy        []string `json:"read_by"`
}

// IsFor reports whether acc is in the audience of a.
func (a Announcement) IsFor(acc account.Account) bool {
	return a.Audience == AudienceAll || a.Audience == acc.ID
}

// IsReadBy reports whether accountID has seen a.
func (a Announcement) IsReadBy(accountID string) bool {
	for _, id := range a.ReadBy {
		if id == accountID {
			return true
		}
	}
	return false
}

// NewAnnouncement contains information needed to publish an Announcement.
type NewAnnouncement struct {
	Message  string `json:"message" validate:"required"`
	Audience string `json:"audience" validate:"required,audience"`
}

func (na *NewAnnouncement) Validate() error {
	na.Message = core.CleanString(na.Message)
	na.Audience = core.CleanString(na.Audience)
	if na.Audience == "" || core.CleanString(na.Audience, true /* lower */) == AudienceAll {
		na.Audience = AudienceAll
	}
	return core.ValidateStruct(na)
}

type EditAnnouncement struct {
	Message string `json:"message" validate:"required"`
}

func (ea *EditAnnouncement) Validate() error {
	ea.Message = core.CleanString(ea.Message)
	return core.ValidateStruct(ea)
}

// UnreadCount counts the announcements addressed to acc that acc has not read yet.
func UnreadCount(anns []Announcement, acc account.Account) int {
	var n int
	for _, a := range anns {
		if a.IsFor(acc) && !a.IsReadBy(acc.ID) {
			n++
		}
	}
	return n
}
