package lecture

import (
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/media"
)

// Statuses
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// DateLayout is the layout of Lecture.Date.
const DateLayout = "2006-01-02"

// legacyAttachmentID identifies the attachment synthesized from a legacy imageURL.
const legacyAttachmentID = "legacy-image"

var AllStatuses = []string{StatusPending, StatusApproved, StatusRejected}

type (
	Attachment struct {
		ID       string `json:"id"`
		URL      string `json:"url"`
		Name     string `json:"name"`
		Kind     string `json:"type"` // image | file
		MimeType string `json:"mimeType"`
	}

	// Liker is the display record kept next to each id in LikedBy.
	Liker struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	Lecture struct {
		ID          string       `json:"id"`
		OwnerID     string       `json:"owner_id"`
		OwnerName   string       `json:"owner_name"`
		RollNo      string       `json:"roll_no"`
		Subject     string       `json:"subject"`
		Topic       string       `json:"topic"`
		Description string       `json:"description,omitempty"`
		Attachments []Attachment `json:"attachments"`
		Date        string       `json:"date"`      // YYYY-MM-DD
		Timestamp   int64        `json:"timestamp"` // ms since epoch, newest first
		Status      string       `json:"status"`
		AdminRemark string       `json:"admin_remark,omitempty"`
		LikedBy     []string     `json:"liked_by"`
		Likers      []Liker      `json:"likers"`
	}
)

// IsLikedBy reports whether accountID likes l.
func (l Lecture) IsLikedBy(accountID string) bool {
	for _, id := range l.LikedBy {
		if id == accountID {
			return true
		}
	}
	return false
}

// VisibleTo reports whether acc may see l: admins see everything, students see approved
// lectures and their own.
func (l Lecture) VisibleTo(acc account.Account) bool {
	return acc.IsAdmin() || l.Status == StatusApproved || l.OwnerID == acc.ID
}

// NewLecture contains information needed to submit a Lecture.
type NewLecture struct {
	Subject     string       `json:"subject" validate:"required"`
	Topic       string       `json:"topic" validate:"required"`
	Description string       `json:"description"`
	Date        string       `json:"date" validate:"omitempty,isodate"`
	Files       []media.File `json:"files" validate:"min=1"`
}

func (nl *NewLecture) Validate() error {
	nl.Subject = core.CleanString(nl.Subject)
	nl.Topic = core.CleanString(nl.Topic)
	nl.Description = core.CleanString(nl.Description)
	nl.Date = core.CleanString(nl.Date)
	if nl.Date == "" {
		nl.Date = time.Now().UTC().Format(DateLayout)
	}
	return core.ValidateStruct(nl)
}

type QueryFilter struct {
	Subject string `query:"subject"`
	Status  string `query:"status"`
	OwnerID string `query:"owner"`
}

func (qf *QueryFilter) Clean() {
	qf.Subject = core.CleanString(qf.Subject)
	qf.Status = core.CleanString(qf.Status, true /* lower */)
	qf.OwnerID = core.CleanString(qf.OwnerID)
}

func (qf QueryFilter) query() core.Query {
	var q core.Query
	if qf.Subject != "" {
		q.Where = append(q.Where, core.Filter{Field: "subject", Value: qf.Subject})
	}
	if qf.Status != "" {
		q.Where = append(q.Where, core.Filter{Field: "status", Value: qf.Status})
	}
	if qf.OwnerID != "" {
		q.Where = append(q.Where, core.Filter{Field: "studentId", Value: qf.OwnerID})
	}
	return q.OrderedBy("timestamp", false)
}

// legacyAttachment builds the single image attachment of a record that only has an imageURL.
func legacyAttachment(imageURL string) Attachment {
	name := "image"
	if u, err := url.Parse(imageURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	mimeType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if media.Classify(mimeType) != media.KindImage {
		mimeType = "image/jpeg"
	}
	return Attachment{
		ID:       legacyAttachmentID,
		URL:      imageURL,
		Name:     name,
		Kind:     media.KindImage,
		MimeType: mimeType,
	}
}
