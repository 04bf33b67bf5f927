package core

import (
	"io/fs"
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_emailTemplatesFS(t *testing.T) {
	for _, name := range []string{"_base.txt", "_base.gohtml"} {
		_, err := fs.Stat(emailTemplatesFS, "templates/email/"+name)
		assert.NoError(t, err, "layout %s must be embedded", name)
	}
}

func TestEmailMessage_Render(t *testing.T) {
	tests := []struct {
		name     string
		msg      EmailMessage
		wantText string
		wantHTML string
	}{
		{
			name: "account activated",
			msg: EmailMessage{
				TemplateName: TmplAccountActivated,
				TemplateData: map[string]interface{}{"Name": "Ada", "Username": "cs101"},
			},
			wantText: "Hello Ada,",
			wantHTML: "<b>cs101</b>",
		},
		{
			name: "announcement",
			msg: EmailMessage{
				TemplateName: TmplAnnouncement,
				TemplateData: map[string]interface{}{"Recipient": "Bob", "Author": "Admin", "Message": "Exams start Monday"},
			},
			wantText: "Exams start Monday",
			wantHTML: "Exams start Monday",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			msg.To = []mail.Address{{Address: "student@test.cd"}}
			msg.FrontendBaseURL = "http://front.test"
			require.NoError(t, msg.Render())
			assert.Contains(t, msg.TextContent, tt.wantText)
			assert.Contains(t, msg.TextContent, "http://front.test")
			assert.Contains(t, msg.HTMLContent, tt.wantHTML)
			assert.True(t, msg.HasContent())
		})
	}

	t.Run("plain body", func(t *testing.T) {
		msg := EmailMessage{BodyStr: "plain"}
		require.NoError(t, msg.Render())
		assert.Equal(t, "plain", msg.TextContent)
		assert.Empty(t, msg.HTMLContent)
	})
}
